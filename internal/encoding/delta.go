package encoding

import (
	"encoding/binary"
	"errors"

	"github.com/chronicle-db/statehistory/internal/bits"
)

// DeltaEncoder compresses int64 values using delta-of-delta encoding.
type DeltaEncoder struct {
	bw        *bits.Writer
	prevValue int64
	prevDelta int64
	count     int
}

// NewDeltaEncoder creates a new delta encoder.
func NewDeltaEncoder() *DeltaEncoder {
	return &DeltaEncoder{bw: bits.NewWriter()}
}

// Encode adds a value to the compressed stream.
func (e *DeltaEncoder) Encode(value int64) {
	switch e.count {
	case 0:
		e.bw.WriteBits(uint64(value), 64)
	case 1:
		e.prevDelta = value - e.prevValue
		e.bw.WriteVarint(e.prevDelta)
	default:
		delta := value - e.prevValue
		e.writeDoD(delta - e.prevDelta)
		e.prevDelta = delta
	}
	e.prevValue = value
	e.count++
}

func (e *DeltaEncoder) writeDoD(dod int64) {
	switch {
	case dod == 0:
		e.bw.WriteBit(0)
	case dod >= -63 && dod <= 64:
		e.bw.WriteBits(0b10, 2)
		e.bw.WriteBits(uint64(dod+63), 7)
	case dod >= -255 && dod <= 256:
		e.bw.WriteBits(0b110, 3)
		e.bw.WriteBits(uint64(dod+255), 9)
	case dod >= -2047 && dod <= 2048:
		e.bw.WriteBits(0b1110, 4)
		e.bw.WriteBits(uint64(dod+2047), 12)
	default:
		e.bw.WriteBits(0b1111, 4)
		e.bw.WriteBits(uint64(dod), 64)
	}
}

// Bytes returns the count-prefixed compressed data.
func (e *DeltaEncoder) Bytes() []byte {
	buf := e.bw.Bytes()
	out := make([]byte, 4+len(buf))
	binary.LittleEndian.PutUint32(out, uint32(e.count))
	copy(out[4:], buf)
	return out
}

// EncodeDelta compresses a slice of int64 values.
func EncodeDelta(values []int64) []byte {
	enc := NewDeltaEncoder()
	for _, v := range values {
		enc.Encode(v)
	}
	return enc.Bytes()
}

// DecodeDelta decompresses data produced by EncodeDelta.
func DecodeDelta(data []byte) ([]int64, error) {
	if len(data) < 4 {
		return nil, errors.New("delta: data too short")
	}
	count := int(binary.LittleEndian.Uint32(data))
	br := bits.NewReader(data[4:])

	out := make([]int64, 0, count)
	var prevValue, prevDelta int64
	for i := 0; i < count; i++ {
		switch i {
		case 0:
			v, err := br.ReadBits(64)
			if err != nil {
				return nil, err
			}
			prevValue = int64(v)
		case 1:
			delta, err := br.ReadVarint()
			if err != nil {
				return nil, err
			}
			prevDelta = delta
			prevValue += delta
		default:
			dod, err := readDoD(br)
			if err != nil {
				return nil, err
			}
			prevDelta += dod
			prevValue += prevDelta
		}
		out = append(out, prevValue)
	}
	return out, nil
}

// dodBuckets lists, per prefix length, the payload width and bias of a
// delta-of-delta value. A prefix of four ones is followed by a raw 64-bit value.
var dodBuckets = []struct {
	width int
	bias  int64
}{
	{7, 63},
	{9, 255},
	{12, 2047},
}

func readDoD(br *bits.Reader) (int64, error) {
	bit, err := br.ReadBit()
	if err != nil {
		return 0, err
	}
	if bit == 0 {
		return 0, nil
	}
	for _, b := range dodBuckets {
		bit, err := br.ReadBit()
		if err != nil {
			return 0, err
		}
		if bit == 0 {
			v, err := br.ReadBits(b.width)
			if err != nil {
				return 0, err
			}
			return int64(v) - b.bias, nil
		}
	}
	v, err := br.ReadBits(64)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}
