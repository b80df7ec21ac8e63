package statehistory

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/chronicle-db/statehistory/internal/encoding"
)

// historyFileMagic opens every history file.
var historyFileMagic = [4]byte{'S', 'H', 'T', '1'}

// historyFileFormatVersion is bumped when the layout below changes.
const historyFileFormatVersion uint32 = 1

// Compression selects the codec applied to history-file nodes.
type Compression string

const (
	CompressionSnappy Compression = "snappy"
	CompressionZstd   Compression = "zstd"
	CompressionNone   Compression = "none"
)

func (c Compression) id() (uint8, error) {
	switch c {
	case CompressionNone:
		return 0, nil
	case CompressionSnappy, "":
		return 1, nil
	case CompressionZstd:
		return 2, nil
	}
	return 0, fmt.Errorf("compression %q: %w", string(c), ErrInvalidArgument)
}

func compressionFromID(id uint8) (Compression, error) {
	switch id {
	case 0:
		return CompressionNone, nil
	case 1:
		return CompressionSnappy, nil
	case 2:
		return CompressionZstd, nil
	}
	return "", fmt.Errorf("compression id %d: %w", id, ErrStorageCorruption)
}

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil)
	})
)

func compressNode(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		enc, err := zstdEncoder()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, nil), nil
	default:
		return snappy.Encode(nil, data), nil
	}
}

func decompressNode(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(data, nil)
	default:
		return snappy.Decode(nil, data)
	}
}

// historyFileHeader is the fixed-size prefix of a history file. It is
// followed by NodeCount nodeRecords, a crc32 of header and table, the node
// payloads, and finally the attribute tree section.
type historyFileHeader struct {
	Magic           [4]byte
	FormatVersion   uint32
	ProviderVersion int32
	Compression     uint8
	_               [3]byte
	StartTime       int64
	EndTime         int64
	BuildID         [16]byte
	NodeCount       uint32
	TreeOffset      uint64
	TreeLength      uint64
	TreeCRC         uint32
}

type nodeRecord struct {
	Offset   uint64
	Length   uint64
	CRC      uint32
	Count    uint32
	MinStart int64
	MaxEnd   int64
}

var (
	headerSize     = binary.Size(historyFileHeader{})
	nodeRecordSize = binary.Size(nodeRecord{})
)

// nodeEntry is the in-memory view of one node: resident intervals while
// building, a payload location once written.
type nodeEntry struct {
	index     int
	minStart  Time
	maxEnd    Time
	count     int
	intervals []*StateInterval
	record    nodeRecord
}

func (e *nodeEntry) covers(t Time) bool {
	return e.minStart <= t && t <= e.maxEnd
}

// encodeNode converts intervals to the columnar block form.
func encodeNode(intervals []*StateInterval) ([]byte, error) {
	b := &encoding.Block{
		Starts: make([]int64, 0, len(intervals)),
		Ends:   make([]int64, 0, len(intervals)),
		Quarks: make([]int64, 0, len(intervals)),
		Kinds:  make([]byte, 0, len(intervals)),
	}
	for _, iv := range intervals {
		b.Starts = append(b.Starts, iv.Start)
		b.Ends = append(b.Ends, iv.End)
		b.Quarks = append(b.Quarks, int64(iv.Quark))
		v := iv.Value
		switch v.Kind() {
		case KindNull:
			b.Kinds = append(b.Kinds, encoding.KindNull)
		case KindBoolean:
			bv, _ := v.Bool()
			b.Kinds = append(b.Kinds, encoding.KindBool)
			if bv {
				b.Longs = append(b.Longs, 1)
			} else {
				b.Longs = append(b.Longs, 0)
			}
		case KindInteger:
			i, _ := v.Int()
			b.Kinds = append(b.Kinds, encoding.KindInt)
			b.Longs = append(b.Longs, int64(i))
		case KindLong:
			l, _ := v.Long()
			b.Kinds = append(b.Kinds, encoding.KindLong)
			b.Longs = append(b.Longs, l)
		case KindDouble:
			d, _ := v.Double()
			b.Kinds = append(b.Kinds, encoding.KindDouble)
			b.Doubles = append(b.Doubles, d)
		case KindString:
			s, _ := v.Str()
			b.Kinds = append(b.Kinds, encoding.KindString)
			b.Strings = append(b.Strings, s)
		default:
			return nil, fmt.Errorf("encode node: %w", ErrStateValueType)
		}
	}
	return encoding.EncodeBlock(b)
}

// decodeNode rebuilds the intervals of a node from its block form.
func decodeNode(data []byte) ([]*StateInterval, error) {
	b, err := encoding.DecodeBlock(data)
	if err != nil {
		return nil, err
	}
	out := make([]*StateInterval, b.Len())
	var li, di, si int
	for i := range out {
		var v StateValue
		switch b.Kinds[i] {
		case encoding.KindNull:
		case encoding.KindBool, encoding.KindInt, encoding.KindLong:
			if li >= len(b.Longs) {
				return nil, fmt.Errorf("node row %d: integer column exhausted", i)
			}
			n := b.Longs[li]
			li++
			switch b.Kinds[i] {
			case encoding.KindBool:
				v = BoolValue(n != 0)
			case encoding.KindInt:
				v = IntValue(int32(n))
			default:
				v = LongValue(n)
			}
		case encoding.KindDouble:
			if di >= len(b.Doubles) {
				return nil, fmt.Errorf("node row %d: double column exhausted", i)
			}
			v = DoubleValue(b.Doubles[di])
			di++
		case encoding.KindString:
			if si >= len(b.Strings) {
				return nil, fmt.Errorf("node row %d: string column exhausted", i)
			}
			v, err = StringValue(b.Strings[si])
			if err != nil {
				return nil, err
			}
			si++
		default:
			return nil, fmt.Errorf("node row %d: unknown kind %d", i, b.Kinds[i])
		}
		out[i] = &StateInterval{Start: b.Starts[i], End: b.Ends[i], Quark: Quark(b.Quarks[i]), Value: v}
	}
	return out, nil
}

// historyFileLayout is everything needed to assemble a history file.
type historyFileLayout struct {
	providerVersion int
	compression     Compression
	start, end      Time
	buildID         uuid.UUID
	nodes           []*nodeEntry
	payloads        [][]byte
	tree            []byte
}

// marshal lays out the file and fills in each node's record.
func (l *historyFileLayout) marshal() ([]byte, error) {
	cid, err := l.compression.id()
	if err != nil {
		return nil, err
	}
	h := historyFileHeader{
		Magic:           historyFileMagic,
		FormatVersion:   historyFileFormatVersion,
		ProviderVersion: int32(l.providerVersion),
		Compression:     cid,
		StartTime:       l.start,
		EndTime:         l.end,
		BuildID:         l.buildID,
		NodeCount:       uint32(len(l.nodes)),
	}

	offset := uint64(headerSize + nodeRecordSize*len(l.nodes) + 4)
	for i, n := range l.nodes {
		p := l.payloads[i]
		n.record = nodeRecord{
			Offset:   offset,
			Length:   uint64(len(p)),
			CRC:      crc32.ChecksumIEEE(p),
			Count:    uint32(n.count),
			MinStart: n.minStart,
			MaxEnd:   n.maxEnd,
		}
		offset += uint64(len(p))
	}
	h.TreeOffset = offset
	h.TreeLength = uint64(len(l.tree))
	h.TreeCRC = crc32.ChecksumIEEE(l.tree)

	buf := bytes.NewBuffer(make([]byte, 0, int(offset)+len(l.tree)))
	if err := binary.Write(buf, binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	for _, n := range l.nodes {
		if err := binary.Write(buf, binary.LittleEndian, &n.record); err != nil {
			return nil, err
		}
	}
	_ = binary.Write(buf, binary.LittleEndian, crc32.ChecksumIEEE(buf.Bytes()))
	for _, p := range l.payloads {
		buf.Write(p)
	}
	buf.Write(l.tree)
	return buf.Bytes(), nil
}

// parsedHistoryFile is the validated result of reading a history file.
type parsedHistoryFile struct {
	header      historyFileHeader
	compression Compression
	nodes       []*nodeEntry
	tree        []byte
}

// parseHistoryFile validates the header, node table and tree section of data.
// Node payloads are checked lazily when first read.
func parseHistoryFile(key string, data []byte, providerVersion int) (*parsedHistoryFile, error) {
	if len(data) < headerSize {
		return nil, newStorageError(StorageErrorTypeCorruption, "history file truncated", key, nil)
	}
	var h historyFileHeader
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &h); err != nil {
		return nil, newStorageError(StorageErrorTypeCorruption, "read history header", key, err)
	}
	if h.Magic != historyFileMagic {
		return nil, newStorageError(StorageErrorTypeCorruption, "bad history file magic", key, nil)
	}
	if h.FormatVersion != historyFileFormatVersion {
		return nil, newStorageError(StorageErrorTypeVersion,
			fmt.Sprintf("file format version %d, expected %d", h.FormatVersion, historyFileFormatVersion), key, nil)
	}
	if int(h.ProviderVersion) != providerVersion {
		return nil, newStorageError(StorageErrorTypeVersion,
			fmt.Sprintf("provider version %d, expected %d", h.ProviderVersion, providerVersion), key, nil)
	}
	compression, err := compressionFromID(h.Compression)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeCorruption, "unknown compression", key, err)
	}

	tableEnd := headerSize + nodeRecordSize*int(h.NodeCount)
	if h.NodeCount > uint32(len(data)) || tableEnd+4 > len(data) {
		return nil, newStorageError(StorageErrorTypeCorruption, "node table truncated", key, nil)
	}
	if crc32.ChecksumIEEE(data[:tableEnd]) != binary.LittleEndian.Uint32(data[tableEnd:]) {
		return nil, newStorageError(StorageErrorTypeCorruption, "header checksum mismatch", key, nil)
	}

	p := &parsedHistoryFile{header: h, compression: compression}
	reader := bytes.NewReader(data[headerSize:tableEnd])
	for i := 0; i < int(h.NodeCount); i++ {
		var rec nodeRecord
		if err := binary.Read(reader, binary.LittleEndian, &rec); err != nil {
			return nil, newStorageError(StorageErrorTypeCorruption, "read node table", key, err)
		}
		if !withinFile(rec.Offset, rec.Length, len(data)) {
			return nil, newStorageError(StorageErrorTypeCorruption, fmt.Sprintf("node %d overruns file", i), key, nil)
		}
		p.nodes = append(p.nodes, &nodeEntry{index: i, minStart: rec.MinStart, maxEnd: rec.MaxEnd, count: int(rec.Count), record: rec})
	}

	if !withinFile(h.TreeOffset, h.TreeLength, len(data)) {
		return nil, newStorageError(StorageErrorTypeCorruption, "attribute tree overruns file", key, nil)
	}
	p.tree = data[h.TreeOffset : h.TreeOffset+h.TreeLength]
	if crc32.ChecksumIEEE(p.tree) != h.TreeCRC {
		return nil, newStorageError(StorageErrorTypeCorruption, "attribute tree checksum mismatch", key, nil)
	}
	return p, nil
}

func withinFile(offset, length uint64, size int) bool {
	return length <= uint64(size) && offset <= uint64(size)-length
}

// readNode verifies and decodes one node payload from data.
func readNode(key string, data []byte, c Compression, e *nodeEntry) ([]*StateInterval, error) {
	rec := e.record
	payload := data[rec.Offset : rec.Offset+rec.Length]
	if crc32.ChecksumIEEE(payload) != rec.CRC {
		return nil, newStorageError(StorageErrorTypeCorruption, fmt.Sprintf("node %d checksum mismatch", e.index), key, nil)
	}
	raw, err := decompressNode(c, payload)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeCorruption, fmt.Sprintf("decompress node %d", e.index), key, err)
	}
	intervals, err := decodeNode(raw)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeCorruption, fmt.Sprintf("decode node %d", e.index), key, err)
	}
	if len(intervals) != int(rec.Count) {
		return nil, newStorageError(StorageErrorTypeCorruption,
			fmt.Sprintf("node %d holds %d intervals, table says %d", e.index, len(intervals), rec.Count), key, nil)
	}
	return intervals, nil
}
