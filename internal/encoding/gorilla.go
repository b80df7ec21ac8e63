package encoding

import (
	"encoding/binary"
	"errors"
	"math"
	stdbits "math/bits"

	"github.com/chronicle-db/statehistory/internal/bits"
)

// EncodeGorilla compresses float64 values with XOR encoding. Consecutive
// identical values, common for state values, cost one bit each.
func EncodeGorilla(values []float64) []byte {
	bw := bits.NewWriter()
	var prev uint64
	var prevLZ, prevTZ uint8
	for i, v := range values {
		cur := math.Float64bits(v)
		if i == 0 {
			bw.WriteBits(cur, 64)
			prev = cur
			continue
		}

		xor := cur ^ prev
		prev = cur
		if xor == 0 {
			bw.WriteBit(0)
			continue
		}
		bw.WriteBit(1)

		lz := uint8(stdbits.LeadingZeros64(xor))
		tz := uint8(stdbits.TrailingZeros64(xor))
		if i > 1 && lz >= prevLZ && tz >= prevTZ {
			bw.WriteBit(0)
			bw.WriteBits(xor>>prevTZ, 64-int(prevLZ)-int(prevTZ))
			continue
		}
		if lz > 31 {
			lz = 31
		}
		bw.WriteBit(1)
		bw.WriteBits(uint64(lz), 5)
		meaningful := 64 - int(lz) - int(tz)
		// 64 meaningful bits does not fit in 6 bits; 0 stands for 64.
		bw.WriteBits(uint64(meaningful&63), 6)
		bw.WriteBits(xor>>tz, meaningful)
		prevLZ, prevTZ = lz, tz
	}

	payload := bw.Bytes()
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(values)))
	copy(out[4:], payload)
	return out
}

// DecodeGorilla decompresses data produced by EncodeGorilla.
func DecodeGorilla(data []byte) ([]float64, error) {
	if len(data) < 4 {
		return nil, errors.New("gorilla: data too short")
	}
	count := int(binary.LittleEndian.Uint32(data))
	br := bits.NewReader(data[4:])

	out := make([]float64, 0, count)
	var prev uint64
	var prevLZ, prevTZ uint8
	for i := 0; i < count; i++ {
		if i == 0 {
			first, err := br.ReadBits(64)
			if err != nil {
				return nil, err
			}
			prev = first
			out = append(out, math.Float64frombits(prev))
			continue
		}

		changed, err := br.ReadBit()
		if err != nil {
			return nil, err
		}
		if changed == 0 {
			out = append(out, math.Float64frombits(prev))
			continue
		}

		control, err := br.ReadBit()
		if err != nil {
			return nil, err
		}
		if control == 1 {
			lz, err := br.ReadBits(5)
			if err != nil {
				return nil, err
			}
			m, err := br.ReadBits(6)
			if err != nil {
				return nil, err
			}
			meaningful := int(m)
			if meaningful == 0 {
				meaningful = 64
			}
			prevLZ = uint8(lz)
			prevTZ = uint8(64 - meaningful - int(lz))
		}

		meaningful := 64 - int(prevLZ) - int(prevTZ)
		xor, err := br.ReadBits(meaningful)
		if err != nil {
			return nil, err
		}
		prev ^= xor << prevTZ
		out = append(out, math.Float64frombits(prev))
	}
	return out, nil
}
