package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Value kinds stored in Block.Kinds.
const (
	KindNull   byte = 0
	KindInt    byte = 1
	KindLong   byte = 2
	KindDouble byte = 3
	KindString byte = 4
	KindBool   byte = 5
)

// Block is the columnar form of a run of intervals. Row i is described by
// Starts[i], Ends[i], Quarks[i] and Kinds[i]; the value itself lives in the
// next unread slot of Longs (KindInt, KindLong, KindBool), Doubles or Strings.
type Block struct {
	Starts  []int64
	Ends    []int64
	Quarks  []int64
	Kinds   []byte
	Longs   []int64
	Doubles []float64
	Strings []string
}

// Len returns the number of rows.
func (b *Block) Len() int {
	return len(b.Starts)
}

// blockColumns is the number of length-prefixed sections in an encoded block.
const blockColumns = 7

// EncodeBlock serialises b. The layout is a raw table of section lengths
// followed by the sections in field order.
func EncodeBlock(b *Block) ([]byte, error) {
	n := b.Len()
	if len(b.Ends) != n || len(b.Quarks) != n || len(b.Kinds) != n {
		return nil, fmt.Errorf("block: ragged columns (starts=%d ends=%d quarks=%d kinds=%d)",
			n, len(b.Ends), len(b.Quarks), len(b.Kinds))
	}

	dict := NewStringDictionary()
	refs := &bytes.Buffer{}
	var tmp [binary.MaxVarintLen64]byte
	for _, s := range b.Strings {
		k := binary.PutUvarint(tmp[:], uint64(dict.Add(s)))
		refs.Write(tmp[:k])
	}
	strs := &bytes.Buffer{}
	if err := dict.WriteTo(strs); err != nil {
		return nil, err
	}
	k := binary.PutUvarint(tmp[:], uint64(len(b.Strings)))
	strs.Write(tmp[:k])
	strs.Write(refs.Bytes())

	sections := [blockColumns][]byte{
		EncodeDelta(b.Starts),
		EncodeDelta(b.Ends),
		EncodeRawInt64(b.Quarks),
		EncodeRLEBytes(b.Kinds),
		EncodeDelta(b.Longs),
		EncodeGorilla(b.Doubles),
		strs.Bytes(),
	}
	lengths := make([]int64, blockColumns)
	total := 0
	for i, s := range sections {
		lengths[i] = int64(len(s))
		total += len(s)
	}
	header := EncodeRawInt64(lengths)
	out := make([]byte, 0, len(header)+total)
	out = append(out, header...)
	for _, s := range sections {
		out = append(out, s...)
	}
	return out, nil
}

// DecodeBlock parses data written by EncodeBlock.
func DecodeBlock(data []byte) (*Block, error) {
	lengths, err := DecodeRawInt64(data)
	if err != nil {
		return nil, fmt.Errorf("block header: %w", err)
	}
	if len(lengths) != blockColumns {
		return nil, fmt.Errorf("block header: want %d sections, got %d", blockColumns, len(lengths))
	}
	off := 4 + 8*blockColumns
	var sections [blockColumns][]byte
	for i, l := range lengths {
		if l < 0 || off+int(l) > len(data) {
			return nil, fmt.Errorf("block: section %d overruns buffer", i)
		}
		sections[i] = data[off : off+int(l)]
		off += int(l)
	}

	b := &Block{}
	if b.Starts, err = DecodeDelta(sections[0]); err != nil {
		return nil, fmt.Errorf("block starts: %w", err)
	}
	if b.Ends, err = DecodeDelta(sections[1]); err != nil {
		return nil, fmt.Errorf("block ends: %w", err)
	}
	if b.Quarks, err = DecodeRawInt64(sections[2]); err != nil {
		return nil, fmt.Errorf("block quarks: %w", err)
	}
	if b.Kinds, err = DecodeRLEBytes(sections[3]); err != nil {
		return nil, fmt.Errorf("block kinds: %w", err)
	}
	if b.Longs, err = DecodeDelta(sections[4]); err != nil {
		return nil, fmt.Errorf("block longs: %w", err)
	}
	if b.Doubles, err = DecodeGorilla(sections[5]); err != nil {
		return nil, fmt.Errorf("block doubles: %w", err)
	}
	if b.Strings, err = decodeStrings(sections[6]); err != nil {
		return nil, fmt.Errorf("block strings: %w", err)
	}

	n := len(b.Starts)
	if len(b.Ends) != n || len(b.Quarks) != n || len(b.Kinds) != n {
		return nil, fmt.Errorf("block: ragged columns after decode")
	}
	return b, nil
}

func decodeStrings(data []byte) ([]string, error) {
	reader := bytes.NewReader(data)
	dict, err := ReadStringDictionary(reader)
	if err != nil {
		return nil, err
	}
	count, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, err
	}
	if count > uint64(reader.Len()) {
		return nil, fmt.Errorf("%d string refs exceed remaining %d bytes", count, reader.Len())
	}
	out := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		ref, err := binary.ReadUvarint(reader)
		if err != nil {
			return nil, err
		}
		s, err := dict.Lookup(uint32(ref))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
