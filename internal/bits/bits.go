// Package bits provides bit-level I/O used by the history-file column codecs.
package bits

import (
	"errors"
)

// ErrShortBuffer is returned when a Reader runs out of input.
var ErrShortBuffer = errors.New("bits: out of bits")

// Writer appends individual bits to a byte buffer, most significant bit first.
type Writer struct {
	buf   []byte
	curr  byte
	nbits uint8
	total int
}

// NewWriter creates a new bit writer.
func NewWriter() *Writer {
	return &Writer{}
}

// WriteBit writes the low bit of bit.
func (w *Writer) WriteBit(bit uint8) {
	w.curr = (w.curr << 1) | (bit & 1)
	w.nbits++
	w.total++
	if w.nbits == 8 {
		w.buf = append(w.buf, w.curr)
		w.curr = 0
		w.nbits = 0
	}
}

// WriteBits writes the low n bits of value.
func (w *Writer) WriteBits(value uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.WriteBit(uint8((value >> uint(i)) & 1))
	}
}

// WriteVarint writes a zigzag-encoded signed varint, eight bits per group.
func (w *Writer) WriteVarint(value int64) {
	zz := uint64((value << 1) ^ (value >> 63))
	for {
		b := zz & 0x7f
		zz >>= 7
		if zz == 0 {
			w.WriteBits(b, 8)
			return
		}
		w.WriteBits(b|0x80, 8)
	}
}

// Len returns the number of bits written so far.
func (w *Writer) Len() int {
	return w.total
}

// Bytes returns the accumulated bytes. A trailing partial byte is padded with
// zero bits; the writer must not be reused afterwards.
func (w *Writer) Bytes() []byte {
	if w.nbits > 0 {
		w.buf = append(w.buf, w.curr<<(8-w.nbits))
		w.curr = 0
		w.nbits = 0
	}
	return w.buf
}

// Reader reads individual bits from a byte buffer.
type Reader struct {
	buf   []byte
	index int
	curr  byte
	nbits uint8
}

// NewReader creates a new bit reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{buf: data}
}

// ReadBit reads a single bit.
func (r *Reader) ReadBit() (uint8, error) {
	if r.nbits == 0 {
		if r.index >= len(r.buf) {
			return 0, ErrShortBuffer
		}
		r.curr = r.buf[r.index]
		r.index++
		r.nbits = 8
	}

	bit := (r.curr >> 7) & 1
	r.curr <<= 1
	r.nbits--
	return bit, nil
}

// ReadBits reads n bits into the low bits of the result.
func (r *Reader) ReadBits(n int) (uint64, error) {
	var out uint64
	for i := 0; i < n; i++ {
		bit, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		out = (out << 1) | uint64(bit)
	}
	return out, nil
}

// ReadVarint reads a value written by Writer.WriteVarint.
func (r *Reader) ReadVarint() (int64, error) {
	var shift uint
	var zz uint64
	for {
		b, err := r.ReadBits(8)
		if err != nil {
			return 0, err
		}
		zz |= (b & 0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift > 63 {
			return 0, errors.New("bits: varint overflow")
		}
	}
	return int64(zz>>1) ^ -int64(zz&1), nil
}
