package grib2

import "github.com/pkg/errors"

// Error classes for message decoding and encoding. Callers match them with
// errors.Is; the wrapped message carries section numbers and byte offsets.
var (
	// ErrTruncated indicates the input ended before a declared length or a
	// bit-level read was satisfied.
	ErrTruncated = errors.New("truncated input")

	// ErrFormat indicates a structurally invalid message: bad indicator or
	// terminator, an unknown or out-of-sequence section number, or a section
	// whose declared length disagrees with its contents.
	ErrFormat = errors.New("malformed GRIB2 message")

	// ErrUnsupportedPacking indicates a data representation template other
	// than simple packing (5.0) or IEEE floating point (5.4).
	ErrUnsupportedPacking = errors.New("unsupported data representation template")

	// ErrPackingOverflow indicates a quantized value does not fit in the
	// declared bit width.
	ErrPackingOverflow = errors.New("packed value exceeds bit width")
)
