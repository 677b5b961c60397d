package grib2

import (
	"math"

	"github.com/pkg/errors"
)

// codec converts between packed bits and physical values for one packing
// kind. The decode formula for simple packing is Y = (R + X*2^E) / 10^D; the
// IEEE kinds are identity codecs over raw words.
type codec interface {
	// decode reads n packed values. Simple packing also returns the raw
	// integers so a later encode can reproduce the original bits exactly.
	decode(br *bitReader, rep *DataRepresentation, n int) (values []float64, coded []uint64, err error)
	// encode appends the packed form of values to bw. coded, when non-nil,
	// carries pre-quantized integers that bypass rounding.
	encode(values []float64, coded []uint64, rep *DataRepresentation, bw *bitWriter) error
}

func kindCodec(k PackingKind) (codec, error) {
	switch k {
	case PackingSimple:
		return simpleCodec{}, nil
	case PackingIEEE32:
		return ieeeCodec{bits: 32}, nil
	case PackingIEEE64:
		return ieeeCodec{bits: 64}, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedPacking, "kind %d", uint8(k))
}

// packedDataLength returns the section 7 body size for n packed values.
func packedDataLength(rep *DataRepresentation, n int) int {
	switch rep.Kind {
	case PackingIEEE32:
		return 4 * n
	case PackingIEEE64:
		return 8 * n
	default:
		return (n*int(rep.BitsPerValue) + 7) / 8
	}
}

type simpleCodec struct{}

func (simpleCodec) decode(br *bitReader, rep *DataRepresentation, n int) ([]float64, []uint64, error) {
	R := float64(rep.ReferenceValue)
	dScale := math.Pow(10, float64(rep.DecimalScale))
	values := make([]float64, n)

	if rep.BitsPerValue == 0 {
		// Constant field: every value equals R / 10^D, no bits on the wire.
		v := R / dScale
		for i := range values {
			values[i] = v
		}
		return values, nil, nil
	}

	coded := make([]uint64, n)
	for i := 0; i < n; i++ {
		x, err := br.readBits(int(rep.BitsPerValue))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "reading value %d", i)
		}
		coded[i] = x
		values[i] = (R + math.Ldexp(float64(x), int(rep.BinaryScale))) / dScale
	}
	return values, coded, nil
}

func (simpleCodec) encode(values []float64, coded []uint64, rep *DataRepresentation, bw *bitWriter) error {
	bits := int(rep.BitsPerValue)
	if bits == 0 {
		return nil
	}
	maxInt := maxPackedInt(bits)

	if coded != nil {
		for i, x := range coded {
			if x > maxInt {
				return errors.Wrapf(ErrPackingOverflow, "coded value %d = %d, maximum for %d bits is %d", i, x, bits, maxInt)
			}
			bw.writeBits(x, bits)
		}
		return nil
	}

	R := float64(rep.ReferenceValue)
	dScale := math.Pow(10, float64(rep.DecimalScale))
	for i, v := range values {
		if math.IsNaN(v) {
			return errors.Wrapf(ErrPackingOverflow, "value %d is NaN but no bitmap excludes it", i)
		}
		// X = round((Y*10^D - R) / 2^E), rounding half away from zero.
		x := math.Round(math.Ldexp(v*dScale-R, -int(rep.BinaryScale)))
		if x < 0 || x > float64(maxInt) {
			return errors.Wrapf(ErrPackingOverflow, "value %d = %g quantizes to %g, representable range is [0, %d]", i, v, x, maxInt)
		}
		bw.writeBits(uint64(x), bits)
	}
	return nil
}

func maxPackedInt(bits int) uint64 {
	if bits >= 64 {
		return math.MaxUint64
	}
	return (uint64(1) << uint(bits)) - 1
}

type ieeeCodec struct {
	bits int // 32 or 64
}

func (c ieeeCodec) decode(br *bitReader, _ *DataRepresentation, n int) ([]float64, []uint64, error) {
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		w, err := br.readBits(c.bits)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "reading value %d", i)
		}
		if c.bits == 32 {
			values[i] = float64(math.Float32frombits(uint32(w)))
		} else {
			values[i] = math.Float64frombits(w)
		}
	}
	return values, nil, nil
}

func (c ieeeCodec) encode(values []float64, _ []uint64, _ *DataRepresentation, bw *bitWriter) error {
	for _, v := range values {
		if c.bits == 32 {
			bw.writeBits(uint64(math.Float32bits(float32(v))), 32)
		} else {
			bw.writeBits(math.Float64bits(v), 64)
		}
	}
	return nil
}

// encodeData packs the message's present values (bitmap-masked points
// excluded) into a section 7 body according to its data representation.
func encodeData(msg *Message) ([]byte, error) {
	rep := &msg.Representation
	present := msg.PresentValues()
	if got, want := len(present), int(rep.NumberOfValues); got != want {
		return nil, errors.Wrapf(ErrFormat, "%d values present, section 5 declares %d", got, want)
	}
	c, err := kindCodec(rep.Kind)
	if err != nil {
		return nil, err
	}
	bw := &bitWriter{}
	if err := c.encode(present, msg.Data.Coded, rep, bw); err != nil {
		return nil, err
	}
	return bw.bytes(), nil
}

// Repack returns a copy of msg whose data representation uses kind. The
// physical values and the bitmap are preserved; the packed byte layout is
// not, unless kind matches the existing representation.
//
// Converting to simple packing from an IEEE kind derives fresh packing
// parameters: the reference value is the minimum present value, the decimal
// scale factor is zero, and the binary scale factor is the smallest exponent
// that fits the value range into 24 bits.
func Repack(msg *Message, kind PackingKind) (*Message, error) {
	out := *msg
	if kind == msg.Representation.Kind {
		return &out, nil
	}
	rep := DataRepresentation{
		NumberOfValues: msg.Representation.NumberOfValues,
		Kind:           kind,
	}
	switch kind {
	case PackingIEEE32:
		rep.BitsPerValue = 32
	case PackingIEEE64:
		rep.BitsPerValue = 64
	case PackingSimple:
		deriveSimpleParams(&rep, msg.PresentValues())
	default:
		return nil, errors.Wrapf(ErrUnsupportedPacking, "kind %d", uint8(kind))
	}
	out.Representation = rep
	out.Data.Coded = nil
	return &out, nil
}

func deriveSimpleParams(rep *DataRepresentation, values []float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		// No present values at all.
		lo, hi = 0, 0
	}
	// float32 conversion rounds to nearest and may land above the minimum,
	// which would quantize the minimum to a negative integer. Nudge the
	// reference down until every present value sits at or above it.
	ref := float32(lo)
	for float64(ref) > lo {
		ref = nextFloat32Down(ref)
	}
	rep.ReferenceValue = ref
	if hi == float64(ref) {
		rep.BitsPerValue = 0
		return
	}
	rep.BitsPerValue = 24
	// Use the adjusted reference in the span so encode sees the same value
	// decode will.
	span := hi - float64(ref)
	maxInt := float64(maxPackedInt(24))
	e := 0
	for math.Ldexp(maxInt, e) < span {
		e++
	}
	for e > -50 && math.Ldexp(maxInt, e-1) >= span {
		e--
	}
	rep.BinaryScale = int16(e)
}

// nextFloat32Down returns the largest float32 strictly less than f.
func nextFloat32Down(f float32) float32 {
	switch bits := math.Float32bits(f); {
	case f == 0:
		return -math.SmallestNonzeroFloat32
	case f > 0:
		return math.Float32frombits(bits - 1)
	default:
		return math.Float32frombits(bits + 1)
	}
}
