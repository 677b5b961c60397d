package grib2

import (
	"encoding/binary"
	"math"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

const (
	indicatorLength  = 16
	endSectionLength = 4
	sectionHeaderLen = 5 // 4-byte length + 1-byte section number
)

// Read parses every GRIB2 message in data.
//
// Multiple messages may be present in a single file; some files also pad
// messages with zero bytes, which are skipped.
func Read(data []byte) ([]*Message, error) {
	var out []*Message
	unconsumed := data
	offset := 0
	for len(unconsumed) > 0 {
		msg, bytesRead, err := read1MaybeZeroPadded(unconsumed)
		if err != nil {
			return nil, errors.Wrapf(err, "error reading GRIB record @ byte offset %d", offset)
		}
		if msg != nil {
			out = append(out, msg)
		}
		unconsumed = unconsumed[bytesRead:]
		offset += bytesRead
	}
	return out, nil
}

func read1MaybeZeroPadded(data []byte) (*Message, int, error) {
	zerosConsumed := 0
	for {
		if len(data) == 0 {
			return nil, zerosConsumed, nil
		}
		if data[0] == 0 {
			zerosConsumed++
			data = data[1:]
			continue
		}
		got, recordBytes, err := Read1(data)
		return got, recordBytes + zerosConsumed, err
	}
}

// Read1 reads a single GRIB2 message from the front of data and returns the
// number of bytes consumed.
func Read1(data []byte) (*Message, int, error) {
	ind, err := parseIndicator(data)
	if err != nil {
		return nil, 0, errors.Wrap(err, "error parsing indicator section")
	}
	if ind.TotalLength > uint64(len(data)) {
		return nil, 0, errors.Wrapf(ErrTruncated, "message length is %d, but only %d bytes supplied", ind.TotalLength, len(data))
	}
	raw := data[:ind.TotalLength]

	msg := &Message{Indicator: ind}
	var sec7 []byte
	haveSection := [8]bool{}

	off := indicatorLength
	prev := 0
	for {
		if off+endSectionLength > len(raw) {
			return nil, 0, errors.Wrapf(ErrTruncated, "message ends at byte %d without a 7777 end section", len(raw))
		}
		if string(raw[off:off+endSectionLength]) == "7777" {
			off += endSectionLength
			break
		}
		if off+sectionHeaderLen > len(raw) {
			return nil, 0, errors.Wrapf(ErrTruncated, "section header at byte %d overruns message", off)
		}
		secLen := int(binary.BigEndian.Uint32(raw[off:]))
		num := raw[off+4]
		if num < 1 || num > 7 {
			return nil, 0, errors.Wrapf(ErrFormat, "unknown section number %d at byte %d", num, off)
		}
		if int(num) <= prev {
			return nil, 0, errors.Wrapf(ErrFormat, "section %d follows section %d, sections must appear in increasing order", num, prev)
		}
		if secLen < sectionHeaderLen {
			return nil, 0, errors.Wrapf(ErrFormat, "section %d declares length %d, minimum is %d", num, secLen, sectionHeaderLen)
		}
		if off+secLen > len(raw) {
			return nil, 0, errors.Wrapf(ErrTruncated, "section %d at byte %d declares length %d, only %d bytes remain", num, off, secLen, len(raw)-off)
		}
		body := raw[off+sectionHeaderLen : off+secLen]

		switch num {
		case 1:
			msg.Identification = RawSection{Number: 1, Body: body}
		case 2:
			msg.LocalUse = &RawSection{Number: 2, Body: body}
		case 3:
			msg.Grid, err = parseGridDefinition(body)
			if err != nil {
				return nil, 0, errors.Wrap(err, "error parsing grid definition section")
			}
		case 4:
			msg.Product = RawSection{Number: 4, Body: body}
		case 5:
			msg.Representation, err = parseDataRepresentation(body)
			if err != nil {
				return nil, 0, errors.Wrap(err, "error parsing data representation section")
			}
		case 6:
			if !haveSection[3] {
				return nil, 0, errors.Wrap(ErrFormat, "bitmap section precedes grid definition section")
			}
			msg.Bitmap, err = parseBitmap(body, int(msg.Grid.NumberOfDataPoints))
			if err != nil {
				return nil, 0, errors.Wrap(err, "error parsing bitmap section")
			}
		case 7:
			sec7 = body
		}
		haveSection[num] = true
		prev = int(num)
		off += secLen
	}

	if off != int(ind.TotalLength) {
		return nil, 0, errors.Wrapf(ErrFormat, "consumed %d bytes, expected to consume %d based on message length in header", off, ind.TotalLength)
	}
	for _, num := range []int{1, 3, 4, 5, 7} {
		if !haveSection[num] {
			return nil, 0, errors.Wrapf(ErrFormat, "message is missing section %d", num)
		}
	}

	if err := decodeData(msg, sec7); err != nil {
		return nil, 0, errors.Wrap(err, "error decoding data section")
	}
	if err := msg.validate(); err != nil {
		return nil, 0, err
	}
	glog.V(1).Infof("read message: edition %d, discipline %d, %dx%d grid, %s packing",
		msg.Indicator.Edition, msg.Indicator.Discipline, msg.Grid.Ni, msg.Grid.Nj, msg.Representation.Kind)
	return msg, off, nil
}

func parseIndicator(data []byte) (Indicator, error) {
	if len(data) < indicatorLength {
		return Indicator{}, errors.Wrapf(ErrTruncated, "indicator section needs %d bytes, got %d", indicatorLength, len(data))
	}
	if got, want := string(data[0:4]), "GRIB"; got != want {
		return Indicator{}, errors.Wrapf(ErrFormat, "first four bytes = %q, want %q", got, want)
	}
	ind := Indicator{
		Reserved:    [2]byte{data[4], data[5]},
		Discipline:  data[6],
		Edition:     data[7],
		TotalLength: binary.BigEndian.Uint64(data[8:16]),
	}
	if ind.Edition != 2 {
		return Indicator{}, errors.Wrapf(ErrFormat, "got GRIB edition %d, expected edition 2", ind.Edition)
	}
	if ind.TotalLength < indicatorLength+endSectionLength {
		return Indicator{}, errors.Wrapf(ErrFormat, "message length %d is shorter than the fixed overhead", ind.TotalLength)
	}
	return ind, nil
}

func parseGridDefinition(body []byte) (GridDefinition, error) {
	/* Section 3 – Grid definition section, template 3.0

	Octets	Content
	6	Source of grid definition
	7-10	Number of data points
	11	Number of octets for optional list of numbers of points
	12	Interpretation of list of numbers of points
	13-14	Grid definition template number (= 0)
	15-30	Shape of the earth, radius and axis scale factors/values
	31-34	Ni – number of points along a parallel
	35-38	Nj – number of points along a meridian
	39-42	Basic angle of the initial production domain
	43-46	Subdivisions of basic angle
	47-50	La1 – latitude of first grid point
	51-54	Lo1 – longitude of first grid point
	55	Resolution and component flags
	56-59	La2 – latitude of last grid point
	60-63	Lo2 – longitude of last grid point
	64-67	Di – i direction increment
	68-71	Dj – j direction increment
	72	Scanning mode
	73-nn	Optional list of numbers of points
	*/
	if len(body) < 9 {
		return GridDefinition{}, errors.Wrapf(ErrTruncated, "grid definition section body is %d bytes, need at least 9", len(body))
	}
	g := GridDefinition{
		Source:             body[0],
		NumberOfDataPoints: binary.BigEndian.Uint32(body[1:5]),
		OptionalListOctets: body[5],
		OptionalListInterp: body[6],
		TemplateNumber:     binary.BigEndian.Uint16(body[7:9]),
	}
	if g.TemplateNumber != 0 {
		return GridDefinition{}, errors.Wrapf(ErrFormat, "unsupported grid definition template %d (supported: 3.0)", g.TemplateNumber)
	}
	if len(body) < 67 {
		return GridDefinition{}, errors.Wrapf(ErrTruncated, "grid definition template 3.0 body is %d bytes, need 67", len(body))
	}
	g.EarthShape = body[9:25]
	g.Ni = binary.BigEndian.Uint32(body[25:29])
	g.Nj = binary.BigEndian.Uint32(body[29:33])
	g.BasicAngle = binary.BigEndian.Uint32(body[33:37])
	g.Subdivs = binary.BigEndian.Uint32(body[37:41])
	g.La1 = parse4ByteInt(body[41:45])
	g.Lo1 = parse4ByteInt(body[45:49])
	g.ResolutionFlags = body[49]
	g.La2 = parse4ByteInt(body[50:54])
	g.Lo2 = parse4ByteInt(body[54:58])
	g.Di = binary.BigEndian.Uint32(body[58:62])
	g.Dj = binary.BigEndian.Uint32(body[62:66])
	g.ScanningMode = body[66]
	g.Trailing = body[67:]
	return g, nil
}

func parseDataRepresentation(body []byte) (DataRepresentation, error) {
	/* Section 5 – Data representation section

	Octets	Content
	6-9	Number of data points to which the template applies
	10-11	Data representation template number
	12-nn	Data representation template
	*/
	if len(body) < 6 {
		return DataRepresentation{}, errors.Wrapf(ErrTruncated, "data representation section body is %d bytes, need at least 6", len(body))
	}
	rep := DataRepresentation{
		NumberOfValues: binary.BigEndian.Uint32(body[0:4]),
	}
	template := binary.BigEndian.Uint16(body[4:6])
	switch template {
	case 0:
		// Template 5.0: reference value (IEEE float32), binary scale factor,
		// decimal scale factor, bits per value, type of original field values.
		if len(body) != 16 {
			return DataRepresentation{}, errors.Wrapf(ErrFormat, "data representation template 5.0 body is %d bytes, want 16", len(body))
		}
		rep.Kind = PackingSimple
		rep.ReferenceValue = math.Float32frombits(binary.BigEndian.Uint32(body[6:10]))
		rep.BinaryScale = parse2ByteInt(body[10], body[11])
		rep.DecimalScale = parse2ByteInt(body[12], body[13])
		rep.BitsPerValue = body[14]
		rep.FieldType = body[15]
	case 4:
		// Template 5.4: IEEE floating point, precision octet.
		if len(body) != 7 {
			return DataRepresentation{}, errors.Wrapf(ErrFormat, "data representation template 5.4 body is %d bytes, want 7", len(body))
		}
		switch body[6] {
		case 1:
			rep.Kind = PackingIEEE32
			rep.BitsPerValue = 32
		case 2:
			rep.Kind = PackingIEEE64
			rep.BitsPerValue = 64
		default:
			return DataRepresentation{}, errors.Wrapf(ErrUnsupportedPacking, "IEEE precision %d (supported: 1, 2)", body[6])
		}
	default:
		return DataRepresentation{}, errors.Wrapf(ErrUnsupportedPacking, "template 5.%d (supported: 5.0, 5.4)", template)
	}
	return rep, nil
}

func parseBitmap(body []byte, points int) (*Bitmap, error) {
	/* Section 6 – Bitmap section

	Octets	Content
	6	Bitmap indicator (0: bitmap follows; 255: bitmap does not apply)
	7-nn	Bitmap, contiguous bits with a bit-to-data-point correspondence
	*/
	if len(body) < 1 {
		return nil, errors.Wrap(ErrTruncated, "bitmap section body is empty")
	}
	bm := &Bitmap{Indicator: body[0]}
	switch bm.Indicator {
	case 255:
		if len(body) != 1 {
			return nil, errors.Wrapf(ErrFormat, "bitmap indicator 255 followed by %d bitmap bytes", len(body)-1)
		}
		return bm, nil
	case 0:
		want := (points + 7) / 8
		if got := len(body) - 1; got != want {
			return nil, errors.Wrapf(ErrFormat, "bitmap is %d bytes, %d grid points need %d", got, points, want)
		}
		br := newBitReader(body[1:])
		bm.Mask = make([]bool, points)
		for i := range bm.Mask {
			bit, err := br.readBits(1)
			if err != nil {
				return nil, err
			}
			bm.Mask[i] = bit == 1
		}
		return bm, nil
	default:
		return nil, errors.Wrapf(ErrFormat, "unsupported bitmap indicator %d", bm.Indicator)
	}
}

// decodeData unpacks the section 7 body into msg.Data, expanding
// bitmap-masked points to NaN.
func decodeData(msg *Message, body []byte) error {
	rep := &msg.Representation
	n := int(rep.NumberOfValues)

	if want := packedDataLength(rep, n); len(body) != want {
		return errors.Wrapf(ErrFormat, "data section body is %d bytes, %d %s-packed values need %d", len(body), n, rep.Kind, want)
	}

	c, err := kindCodec(rep.Kind)
	if err != nil {
		return err
	}
	packed, coded, err := c.decode(newBitReader(body), rep, n)
	if err != nil {
		return err
	}
	msg.Data.Coded = coded

	points := int(msg.Grid.NumberOfDataPoints)
	if !msg.maskedPoints() {
		msg.Data.Values = packed
		return nil
	}
	if len(msg.Bitmap.Mask) != points {
		return errors.Wrapf(ErrFormat, "bitmap covers %d points, grid has %d", len(msg.Bitmap.Mask), points)
	}
	values := make([]float64, points)
	next := 0
	for i, ok := range msg.Bitmap.Mask {
		if !ok {
			values[i] = math.NaN()
			continue
		}
		if next >= len(packed) {
			return errors.Wrapf(ErrFormat, "bitmap marks more than %d points present", len(packed))
		}
		values[i] = packed[next]
		next++
	}
	if next != len(packed) {
		return errors.Wrapf(ErrFormat, "bitmap marks %d points present, data section packs %d values", next, len(packed))
	}
	msg.Data.Values = values
	return nil
}

/*
Note on signed fields:

A negative value shall be indicated by setting the high-order bit (bit 1) in
the left-hand octet to 1 (on); the remaining bits carry the magnitude.
*/

func parse2ByteInt(byte0, byte1 byte) int16 {
	unsigned := binary.BigEndian.Uint16([]byte{byte0, byte1})
	absValue := int16(unsigned & 0x7fff)
	if unsigned&(1<<15) != 0 {
		return -absValue
	}
	return absValue
}

func parse4ByteInt(b []byte) int32 {
	unsigned := binary.BigEndian.Uint32(b[0:4])
	absValue := int32(unsigned & 0x7fffffff)
	if unsigned&(1<<31) != 0 {
		return -absValue
	}
	return absValue
}
