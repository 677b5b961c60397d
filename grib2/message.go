// Package grib2 contains a codec for GRIB messages that use edition 2.
//
// A Message is decomposed into the fixed sequence of sections defined by the
// format (indicator, identification, optional local use, grid definition,
// product definition, data representation, bitmap, data, end marker). Sections
// whose contents do not influence the numeric data are preserved verbatim so
// that Write reproduces a previously parsed message byte for byte.
//
// The specification for GRIB2 is available from
// https://library.wmo.int/doc_num.php?explnum_id=11283
package grib2

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Message is a single GRIB2 record, decomposed into its ordered sections.
//
// A Message is assembled once, by Read or by a deserializer, and never
// mutated afterwards. Repack returns a modified copy.
type Message struct {
	Indicator      Indicator
	Identification RawSection  // section 1, body preserved verbatim
	LocalUse       *RawSection // section 2, optional
	Grid           GridDefinition
	Product        RawSection // section 4, body preserved verbatim
	Representation DataRepresentation
	Bitmap         *Bitmap // nil when the message carries no section 6
	Data           DataSection
}

// Indicator holds the fields of section 0.
type Indicator struct {
	/* 92.2 Section 0 – Indicator section

	Octet No. Contents
	1–4 GRIB (coded according to the International Alphabet No. 5)
	5–6 Reserved
	7 Discipline – GRIB Master table number (see Code table 0.0)
	8 GRIB edition number (currently 2)
	9–16 Total length of GRIB message in octets (including Section 0)
	*/
	Reserved    [2]byte
	Discipline  uint8
	Edition     uint8
	TotalLength uint64 // recomputed by Write
}

// RawSection is a section whose body is carried without interpretation.
type RawSection struct {
	Number uint8
	Body   []byte // bytes following the 4-byte length and 1-byte number
}

// GridDefinition holds section 3 with grid definition template 3.0
// (latitude/longitude, or equidistant cylindrical).
type GridDefinition struct {
	Source             uint8
	NumberOfDataPoints uint32
	OptionalListOctets uint8
	OptionalListInterp uint8
	TemplateNumber     uint16
	// EarthShape is the 16-octet shape-of-the-earth block (octets 15-30),
	// kept opaque.
	EarthShape []byte
	Ni, Nj     uint32
	BasicAngle uint32
	Subdivs    uint32
	// First and last grid point coordinates in microdegrees. Negative values
	// are stored sign-magnitude on the wire.
	La1, Lo1        int32
	ResolutionFlags uint8
	La2, Lo2        int32
	// Direction increments in microdegrees.
	Di, Dj       uint32
	ScanningMode uint8
	// Trailing carries the optional list of numbers of points per row, when
	// present, verbatim.
	Trailing []byte
}

// PackingKind selects the numeric encoding of grid-point values.
type PackingKind uint8

const (
	// PackingSimple is scaled-integer packing (data representation
	// template 5.0).
	PackingSimple PackingKind = iota
	// PackingIEEE32 stores one 32-bit IEEE-754 word per value (template 5.4,
	// precision 1).
	PackingIEEE32
	// PackingIEEE64 stores one 64-bit IEEE-754 word per value (template 5.4,
	// precision 2).
	PackingIEEE64
)

// String returns the name used in textual documents and on the command line.
func (k PackingKind) String() string {
	switch k {
	case PackingSimple:
		return "simple"
	case PackingIEEE32:
		return "ieee32"
	case PackingIEEE64:
		return "ieee64"
	}
	return fmt.Sprintf("PackingKind(%d)", uint8(k))
}

// ParsePackingKind is the inverse of PackingKind.String.
func ParsePackingKind(s string) (PackingKind, error) {
	switch s {
	case "simple":
		return PackingSimple, nil
	case "ieee32":
		return PackingIEEE32, nil
	case "ieee64":
		return PackingIEEE64, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedPacking, "unknown packing kind %q", s)
}

// DataRepresentation holds section 5.
//
// For the IEEE kinds the reference value and scale factors are not part of
// the wire format and are left zero.
type DataRepresentation struct {
	NumberOfValues uint32 // packed values; excludes bitmap-masked points
	Kind           PackingKind
	ReferenceValue float32
	BinaryScale    int16 // exponent of 2, sign-magnitude on the wire
	DecimalScale   int16 // exponent of 10, sign-magnitude on the wire
	BitsPerValue   uint8
	FieldType      uint8 // type of original field values (template 5.0 octet 21)
}

// Bitmap holds section 6.
type Bitmap struct {
	// Indicator is 0 when a bitmap follows and 255 when every grid point has
	// a value.
	Indicator uint8
	// Mask has one entry per grid point; true means a packed value is present.
	// Empty unless Indicator == 0.
	Mask []bool
}

// PresentCount returns the number of grid points with a packed value.
func (b *Bitmap) PresentCount() int {
	n := 0
	for _, ok := range b.Mask {
		if ok {
			n++
		}
	}
	return n
}

// DataSection holds the decoded section 7.
type DataSection struct {
	// Values has Ni*Nj entries in scanning order. Bitmap-masked points are
	// NaN.
	Values []float64
	// Coded holds the raw packed integers for simple packing. Write uses
	// them, when present, instead of re-quantizing Values, so a decoded
	// message round-trips even if the original encoder rounded differently.
	Coded []uint64
}

// maskedPoints reports whether the message has an explicit bitmap.
func (m *Message) maskedPoints() bool {
	return m.Bitmap != nil && m.Bitmap.Indicator == 0
}

// PresentValues returns the values that participate in packing, in scanning
// order, excluding bitmap-masked points.
func (m *Message) PresentValues() []float64 {
	if !m.maskedPoints() {
		return m.Data.Values
	}
	out := make([]float64, 0, m.Representation.NumberOfValues)
	for i, ok := range m.Bitmap.Mask {
		if ok {
			out = append(out, m.Data.Values[i])
		}
	}
	return out
}

// validate checks the structural invariants that hold for every well-formed
// message, independent of how it was constructed.
func (m *Message) validate() error {
	if m.Indicator.Edition != 2 {
		return errors.Wrapf(ErrFormat, "got GRIB edition %d, expected edition 2", m.Indicator.Edition)
	}
	points := uint64(m.Grid.Ni) * uint64(m.Grid.Nj)
	if points != uint64(m.Grid.NumberOfDataPoints) {
		return errors.Wrapf(ErrFormat, "grid is %dx%d = %d points, section 3 declares %d",
			m.Grid.Ni, m.Grid.Nj, points, m.Grid.NumberOfDataPoints)
	}
	if got, want := uint64(len(m.Data.Values)), points; got != want {
		return errors.Wrapf(ErrFormat, "message carries %d values, grid has %d points", got, want)
	}
	present := points
	if m.maskedPoints() {
		if got, want := uint64(len(m.Bitmap.Mask)), points; got != want {
			return errors.Wrapf(ErrFormat, "bitmap covers %d points, grid has %d", got, want)
		}
		present = uint64(m.Bitmap.PresentCount())
		for i, ok := range m.Bitmap.Mask {
			if !ok && !math.IsNaN(m.Data.Values[i]) {
				return errors.Wrapf(ErrFormat, "grid point %d is bitmap-masked but has a value", i)
			}
		}
	}
	if got, want := uint64(m.Representation.NumberOfValues), present; got != want {
		return errors.Wrapf(ErrFormat, "section 5 declares %d packed values, bitmap leaves %d present", got, want)
	}
	if m.Data.Coded != nil {
		if m.Representation.Kind != PackingSimple {
			return errors.Wrapf(ErrFormat, "coded values supplied for %s packing", m.Representation.Kind)
		}
		if got, want := len(m.Data.Coded), int(m.Representation.NumberOfValues); got != want {
			return errors.Wrapf(ErrFormat, "got %d coded values, section 5 declares %d", got, want)
		}
	}
	// Sign-magnitude wire fields cannot hold the two's-complement minimum.
	for _, f := range []struct {
		name  string
		value int64
		min   int64
	}{
		{"binary scale factor", int64(m.Representation.BinaryScale), math.MinInt16},
		{"decimal scale factor", int64(m.Representation.DecimalScale), math.MinInt16},
		{"la1", int64(m.Grid.La1), math.MinInt32},
		{"lo1", int64(m.Grid.Lo1), math.MinInt32},
		{"la2", int64(m.Grid.La2), math.MinInt32},
		{"lo2", int64(m.Grid.Lo2), math.MinInt32},
	} {
		if f.value == f.min {
			return errors.Wrapf(ErrFormat, "%s = %d is outside the sign-magnitude range [%d, %d]", f.name, f.value, f.min+1, -(f.min + 1))
		}
	}
	switch m.Representation.Kind {
	case PackingSimple:
		if m.Representation.BitsPerValue > 64 {
			return errors.Wrapf(ErrFormat, "bitsPerValue = %d, maximum is 64", m.Representation.BitsPerValue)
		}
	case PackingIEEE32:
		if m.Representation.BitsPerValue != 32 {
			return errors.Wrapf(ErrFormat, "bitsPerValue = %d, wanted 32 for ieee32 packing", m.Representation.BitsPerValue)
		}
	case PackingIEEE64:
		if m.Representation.BitsPerValue != 64 {
			return errors.Wrapf(ErrFormat, "bitsPerValue = %d, wanted 64 for ieee64 packing", m.Representation.BitsPerValue)
		}
	default:
		return errors.Wrapf(ErrUnsupportedPacking, "kind %d", m.Representation.Kind)
	}
	return nil
}
