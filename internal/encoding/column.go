package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EncodeRawInt64 encodes int64 values as fixed-width little endian words.
func EncodeRawInt64(values []int64) []byte {
	out := make([]byte, 4+8*len(values))
	binary.LittleEndian.PutUint32(out, uint32(len(values)))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[4+8*i:], uint64(v))
	}
	return out
}

// DecodeRawInt64 decodes values written by EncodeRawInt64.
func DecodeRawInt64(data []byte) ([]int64, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("raw column: data too short")
	}
	count := int(binary.LittleEndian.Uint32(data))
	if len(data) < 4+8*count {
		return nil, fmt.Errorf("raw column: want %d values, have %d bytes", count, len(data)-4)
	}
	out := make([]int64, count)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(data[4+8*i:]))
	}
	return out, nil
}

// EncodeRLEBytes encodes a byte column as (value, run length) pairs.
// Interval kinds tend to come in long runs per attribute.
func EncodeRLEBytes(values []byte) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(values)))
	if len(values) == 0 {
		return buf.Bytes()
	}

	var tmp [binary.MaxVarintLen64]byte
	flush := func(v byte, run uint64) {
		buf.WriteByte(v)
		n := binary.PutUvarint(tmp[:], run)
		buf.Write(tmp[:n])
	}
	runVal := values[0]
	runLen := uint64(1)
	for _, v := range values[1:] {
		if v == runVal {
			runLen++
			continue
		}
		flush(runVal, runLen)
		runVal = v
		runLen = 1
	}
	flush(runVal, runLen)
	return buf.Bytes()
}

// DecodeRLEBytes decodes a column written by EncodeRLEBytes.
func DecodeRLEBytes(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("rle column: data too short")
	}
	count := int(binary.LittleEndian.Uint32(data))
	reader := bytes.NewReader(data[4:])
	out := make([]byte, 0, count)
	for len(out) < count {
		v, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		run, err := binary.ReadUvarint(reader)
		if err != nil {
			return nil, err
		}
		if run == 0 || run > uint64(count-len(out)) {
			return nil, fmt.Errorf("rle column: bad run length %d", run)
		}
		for i := uint64(0); i < run; i++ {
			out = append(out, v)
		}
	}
	return out, nil
}

// MinMaxInt64 returns the minimum and maximum values from a slice.
func MinMaxInt64(values []int64) (minVal, maxVal int64) {
	if len(values) == 0 {
		return 0, 0
	}
	minVal = values[0]
	maxVal = values[0]
	for _, v := range values[1:] {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	return minVal, maxVal
}
