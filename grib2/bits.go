package grib2

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// bitReader reads unsigned integers of arbitrary bit width from a byte slice.
// Bits are consumed MSB-first within each byte, matching the GRIB convention
// that bit 1 of an octet is the most significant bit.
type bitReader struct {
	buf []byte
	pos int // current bit position
}

func newBitReader(b []byte) *bitReader { return &bitReader{buf: b} }

// readBits reads n bits (0 <= n <= 64) and returns them as a uint64.
func (r *bitReader) readBits(n int) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	end := r.pos + n
	if end > len(r.buf)*8 {
		return 0, errors.Wrapf(ErrTruncated, "read of %d bits at bit %d overruns %d-byte buffer", n, r.pos, len(r.buf))
	}
	// Fast path: byte-aligned reads of exact byte widths.
	if r.pos%8 == 0 {
		off := r.pos / 8
		switch n {
		case 8:
			r.pos = end
			return uint64(r.buf[off]), nil
		case 16:
			r.pos = end
			return uint64(binary.BigEndian.Uint16(r.buf[off:])), nil
		case 32:
			r.pos = end
			return uint64(binary.BigEndian.Uint32(r.buf[off:])), nil
		case 64:
			r.pos = end
			return binary.BigEndian.Uint64(r.buf[off:]), nil
		}
	}
	var v uint64
	for i := 0; i < n; i++ {
		byteIdx := (r.pos + i) / 8
		bitIdx := 7 - ((r.pos + i) % 8)
		bit := (r.buf[byteIdx] >> bitIdx) & 1
		v = (v << 1) | uint64(bit)
	}
	r.pos = end
	return v, nil
}

// align advances the position to the next byte boundary.
func (r *bitReader) align() {
	if r.pos%8 != 0 {
		r.pos += 8 - (r.pos % 8)
	}
}

// bytePos returns the current byte position; the reader must be byte-aligned.
func (r *bitReader) bytePos() int { return r.pos / 8 }

// bitWriter appends unsigned integers of arbitrary bit width to a buffer,
// MSB-first within each byte. The final partial byte is zero-padded.
type bitWriter struct {
	buf   []byte
	cur   byte
	nBits uint8 // bits written into cur
}

// writeBits appends the low n bits of v.
func (w *bitWriter) writeBits(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		if (v>>uint(i))&1 == 1 {
			w.cur |= 1 << (7 - w.nBits)
		}
		w.nBits++
		if w.nBits == 8 {
			w.flush()
		}
	}
}

// align pads the current byte with zero bits up to the next byte boundary.
func (w *bitWriter) align() {
	w.flush()
}

func (w *bitWriter) flush() {
	if w.nBits > 0 {
		w.buf = append(w.buf, w.cur)
		w.cur = 0
		w.nBits = 0
	}
}

// bytes returns the written bytes, zero-padding any pending partial byte.
func (w *bitWriter) bytes() []byte {
	w.flush()
	return w.buf
}
