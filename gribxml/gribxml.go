// Package gribxml converts between parsed GRIB2 messages and a stable XML
// document form. Deserializing a document produced by Marshal and writing the
// result reproduces the original binary message byte for byte.
//
// One document describes one message:
//
//	<gribMessage edition="2" discipline="0" reserved="0000">
//	  <identification>hex of the section 1 body</identification>
//	  <localUse>hex of the section 2 body (element absent when section is)</localUse>
//	  <geometry>
//	    <gridType>regular_ll</gridType>
//	    <source/> <numberOfDataPoints/> <optionalListOctets/>
//	    <optionalListInterpretation/> <earthShape>32 hex chars</earthShape>
//	    <Ni/> <Nj/> <basicAngle/> <subdivisions/>
//	    <la1/> <lo1/> <resolutionFlags/> <la2/> <lo2/>  (microdegrees)
//	    <iDirectionIncrement/> <jDirectionIncrement/> <scanningMode/>
//	    <optionalPoints>hex (absent unless the grid carries a point list)</optionalPoints>
//	  </geometry>
//	  <product>hex of the section 4 body</product>
//	  <representation>
//	    <packingType>simple | ieee32 | ieee64</packingType>
//	    <numberOfValues/>
//	    <bitsPerValue/> <binaryScaleFactor/> <decimalScaleFactor/>
//	    <referenceValue/> <referenceValueHex/> <typeOfOriginalFieldValues/>
//	      (the five above only for simple packing; the hex form wins on read)
//	  </representation>
//	  <data>
//	    <bitmapIndicator>0 or 255 (absent when the message has no section 6)</bitmapIndicator>
//	    <bitmap>P3 M1 ... run-length mask, present runs P, missing runs M</bitmap>
//	    <values>v1 v2 -- v3 ...</values>
//	    <codedValues>raw integers, emitted when re-quantization would not
//	      reproduce them</codedValues>
//	  </data>
//	</gribMessage>
//
// Values appear in scanning order, space separated. Bitmap-masked points are
// written as the token "--"; a literal NaN value at a present point (possible
// with the IEEE packings) is written as "NaN". Floats use the shortest
// representation that round-trips float64 exactly.
package gribxml

import (
	"encoding/hex"
	"encoding/xml"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sdifrance/gribxml/grib2"
)

// ErrSchema indicates a textual message that is missing required structure
// or carries an out-of-range enumerant.
var ErrSchema = errors.New("textual message violates schema")

type document struct {
	XMLName        xml.Name        `xml:"gribMessage"`
	Edition        uint8           `xml:"edition,attr"`
	Discipline     uint8           `xml:"discipline,attr"`
	Reserved       string          `xml:"reserved,attr"`
	Identification *string         `xml:"identification"`
	LocalUse       *string         `xml:"localUse"`
	Geometry       *geometry       `xml:"geometry"`
	Product        *string         `xml:"product"`
	Representation *representation `xml:"representation"`
	Data           *dataNode       `xml:"data"`
}

type geometry struct {
	GridType           *string `xml:"gridType"`
	Source             *uint8  `xml:"source"`
	NumberOfDataPoints *uint32 `xml:"numberOfDataPoints"`
	OptionalListOctets *uint8  `xml:"optionalListOctets"`
	OptionalListInterp *uint8  `xml:"optionalListInterpretation"`
	EarthShape         *string `xml:"earthShape"`
	Ni                 *int64  `xml:"Ni"`
	Nj                 *int64  `xml:"Nj"`
	BasicAngle         *uint32 `xml:"basicAngle"`
	Subdivs            *uint32 `xml:"subdivisions"`
	La1                *int32  `xml:"la1"`
	Lo1                *int32  `xml:"lo1"`
	ResolutionFlags    *uint8  `xml:"resolutionFlags"`
	La2                *int32  `xml:"la2"`
	Lo2                *int32  `xml:"lo2"`
	Di                 *uint32 `xml:"iDirectionIncrement"`
	Dj                 *uint32 `xml:"jDirectionIncrement"`
	ScanningMode       *uint8  `xml:"scanningMode"`
	OptionalPoints     *string `xml:"optionalPoints"`
}

type representation struct {
	PackingType        *string `xml:"packingType"`
	NumberOfValues     *uint32 `xml:"numberOfValues"`
	BitsPerValue       *uint8  `xml:"bitsPerValue"`
	BinaryScaleFactor  *int16  `xml:"binaryScaleFactor"`
	DecimalScaleFactor *int16  `xml:"decimalScaleFactor"`
	ReferenceValue     *string `xml:"referenceValue"`
	ReferenceValueHex  *string `xml:"referenceValueHex"`
	FieldType          *uint8  `xml:"typeOfOriginalFieldValues"`
}

type dataNode struct {
	BitmapIndicator *uint8  `xml:"bitmapIndicator"`
	Bitmap          *string `xml:"bitmap"`
	Values          *string `xml:"values"`
	CodedValues     *string `xml:"codedValues"`
}

// Marshal renders msg as an XML document.
func Marshal(msg *grib2.Message) ([]byte, error) {
	g := &msg.Grid
	rep := &msg.Representation

	doc := document{
		Edition:        msg.Indicator.Edition,
		Discipline:     msg.Indicator.Discipline,
		Reserved:       hex.EncodeToString(msg.Indicator.Reserved[:]),
		Identification: strPtr(hex.EncodeToString(msg.Identification.Body)),
		Geometry: &geometry{
			GridType:           strPtr("regular_ll"),
			Source:             &g.Source,
			NumberOfDataPoints: &g.NumberOfDataPoints,
			OptionalListOctets: &g.OptionalListOctets,
			OptionalListInterp: &g.OptionalListInterp,
			EarthShape:         strPtr(hex.EncodeToString(g.EarthShape)),
			Ni:                 int64Ptr(int64(g.Ni)),
			Nj:                 int64Ptr(int64(g.Nj)),
			BasicAngle:         &g.BasicAngle,
			Subdivs:            &g.Subdivs,
			La1:                &g.La1,
			Lo1:                &g.Lo1,
			ResolutionFlags:    &g.ResolutionFlags,
			La2:                &g.La2,
			Lo2:                &g.Lo2,
			Di:                 &g.Di,
			Dj:                 &g.Dj,
			ScanningMode:       &g.ScanningMode,
		},
		Product: strPtr(hex.EncodeToString(msg.Product.Body)),
		Representation: &representation{
			PackingType:    strPtr(rep.Kind.String()),
			NumberOfValues: &rep.NumberOfValues,
		},
		Data: &dataNode{},
	}
	if msg.LocalUse != nil {
		doc.LocalUse = strPtr(hex.EncodeToString(msg.LocalUse.Body))
	}
	if len(g.Trailing) > 0 {
		doc.Geometry.OptionalPoints = strPtr(hex.EncodeToString(g.Trailing))
	}
	if rep.Kind == grib2.PackingSimple {
		refBits := math.Float32bits(rep.ReferenceValue)
		var refHex [4]byte
		refHex[0] = byte(refBits >> 24)
		refHex[1] = byte(refBits >> 16)
		refHex[2] = byte(refBits >> 8)
		refHex[3] = byte(refBits)
		doc.Representation.BitsPerValue = &rep.BitsPerValue
		doc.Representation.BinaryScaleFactor = &rep.BinaryScale
		doc.Representation.DecimalScaleFactor = &rep.DecimalScale
		doc.Representation.ReferenceValue = strPtr(formatFloat(float64(rep.ReferenceValue)))
		doc.Representation.ReferenceValueHex = strPtr(hex.EncodeToString(refHex[:]))
		doc.Representation.FieldType = &rep.FieldType
	}

	var mask []bool
	if msg.Bitmap != nil {
		doc.Data.BitmapIndicator = &msg.Bitmap.Indicator
		if msg.Bitmap.Indicator == 0 {
			mask = msg.Bitmap.Mask
			doc.Data.Bitmap = strPtr(rleEncode(mask))
		}
	}
	doc.Data.Values = strPtr(formatValues(msg.Data.Values, mask))
	if needsCodedValues(msg) {
		doc.Data.CodedValues = strPtr(formatCoded(msg.Data.Coded))
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "error rendering XML")
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

// needsCodedValues reports whether re-quantizing the decoded values would
// fail to reproduce the original packed integers, in which case the document
// must carry them verbatim.
func needsCodedValues(msg *grib2.Message) bool {
	rep := &msg.Representation
	if rep.Kind != grib2.PackingSimple || msg.Data.Coded == nil || rep.BitsPerValue == 0 {
		return false
	}
	R := float64(rep.ReferenceValue)
	dScale := math.Pow(10, float64(rep.DecimalScale))
	for i, v := range msg.PresentValues() {
		x := math.Round(math.Ldexp(v*dScale-R, -int(rep.BinaryScale)))
		if x != float64(msg.Data.Coded[i]) {
			return true
		}
	}
	return false
}

// Unmarshal parses an XML document into a fresh Message.
func Unmarshal(data []byte) (*grib2.Message, error) {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(ErrSchema, "invalid XML: %v", err)
	}
	if doc.Edition != 2 {
		return nil, errors.Wrapf(ErrSchema, "edition = %d, want 2", doc.Edition)
	}
	msg := &grib2.Message{
		Indicator: grib2.Indicator{
			Discipline: doc.Discipline,
			Edition:    doc.Edition,
		},
	}
	if doc.Reserved != "" {
		b, err := hexField("reserved", doc.Reserved, 2)
		if err != nil {
			return nil, err
		}
		copy(msg.Indicator.Reserved[:], b)
	}

	idBody, err := requiredHex("identification", doc.Identification, -1)
	if err != nil {
		return nil, err
	}
	msg.Identification = grib2.RawSection{Number: 1, Body: idBody}
	if doc.LocalUse != nil {
		body, err := hexField("localUse", *doc.LocalUse, -1)
		if err != nil {
			return nil, err
		}
		msg.LocalUse = &grib2.RawSection{Number: 2, Body: body}
	}
	if msg.Grid, err = geometryToGrid(doc.Geometry); err != nil {
		return nil, err
	}
	prodBody, err := requiredHex("product", doc.Product, -1)
	if err != nil {
		return nil, err
	}
	msg.Product = grib2.RawSection{Number: 4, Body: prodBody}
	if msg.Representation, err = representationToModel(doc.Representation); err != nil {
		return nil, err
	}
	if err := dataToModel(msg, doc.Data); err != nil {
		return nil, err
	}
	return msg, nil
}

func geometryToGrid(geo *geometry) (grib2.GridDefinition, error) {
	var g grib2.GridDefinition
	if geo == nil {
		return g, errors.Wrap(ErrSchema, "missing <geometry>")
	}
	if geo.GridType == nil {
		return g, errors.Wrap(ErrSchema, "missing <geometry>/<gridType>")
	}
	if *geo.GridType != "regular_ll" {
		return g, errors.Wrapf(ErrSchema, "gridType = %q, want \"regular_ll\"", *geo.GridType)
	}
	if geo.Ni == nil || geo.Nj == nil {
		return g, errors.Wrap(ErrSchema, "missing <geometry>/<Ni> or <Nj>")
	}
	if *geo.Ni < 0 || *geo.Nj < 0 {
		return g, errors.Wrapf(ErrSchema, "negative grid dimensions Ni=%d Nj=%d", *geo.Ni, *geo.Nj)
	}
	for _, req := range []struct {
		name    string
		missing bool
	}{
		{"source", geo.Source == nil},
		{"numberOfDataPoints", geo.NumberOfDataPoints == nil},
		{"optionalListOctets", geo.OptionalListOctets == nil},
		{"optionalListInterpretation", geo.OptionalListInterp == nil},
		{"earthShape", geo.EarthShape == nil},
		{"basicAngle", geo.BasicAngle == nil},
		{"subdivisions", geo.Subdivs == nil},
		{"la1", geo.La1 == nil},
		{"lo1", geo.Lo1 == nil},
		{"resolutionFlags", geo.ResolutionFlags == nil},
		{"la2", geo.La2 == nil},
		{"lo2", geo.Lo2 == nil},
		{"iDirectionIncrement", geo.Di == nil},
		{"jDirectionIncrement", geo.Dj == nil},
		{"scanningMode", geo.ScanningMode == nil},
	} {
		if req.missing {
			return g, errors.Wrapf(ErrSchema, "missing <geometry>/<%s>", req.name)
		}
	}
	earth, err := hexField("earthShape", *geo.EarthShape, 16)
	if err != nil {
		return g, err
	}
	g = grib2.GridDefinition{
		Source:             *geo.Source,
		NumberOfDataPoints: *geo.NumberOfDataPoints,
		OptionalListOctets: *geo.OptionalListOctets,
		OptionalListInterp: *geo.OptionalListInterp,
		TemplateNumber:     0,
		EarthShape:         earth,
		Ni:                 uint32(*geo.Ni),
		Nj:                 uint32(*geo.Nj),
		BasicAngle:         *geo.BasicAngle,
		Subdivs:            *geo.Subdivs,
		La1:                *geo.La1,
		Lo1:                *geo.Lo1,
		ResolutionFlags:    *geo.ResolutionFlags,
		La2:                *geo.La2,
		Lo2:                *geo.Lo2,
		Di:                 *geo.Di,
		Dj:                 *geo.Dj,
		ScanningMode:       *geo.ScanningMode,
	}
	if geo.OptionalPoints != nil {
		if g.Trailing, err = hexField("optionalPoints", *geo.OptionalPoints, -1); err != nil {
			return g, err
		}
	}
	return g, nil
}

func representationToModel(r *representation) (grib2.DataRepresentation, error) {
	var rep grib2.DataRepresentation
	if r == nil {
		return rep, errors.Wrap(ErrSchema, "missing <representation>")
	}
	if r.PackingType == nil {
		return rep, errors.Wrap(ErrSchema, "missing <representation>/<packingType>")
	}
	kind, err := grib2.ParsePackingKind(*r.PackingType)
	if err != nil {
		return rep, errors.Wrapf(ErrSchema, "packingType = %q, want simple, ieee32 or ieee64", *r.PackingType)
	}
	if r.NumberOfValues == nil {
		return rep, errors.Wrap(ErrSchema, "missing <representation>/<numberOfValues>")
	}
	rep = grib2.DataRepresentation{
		NumberOfValues: *r.NumberOfValues,
		Kind:           kind,
	}
	switch kind {
	case grib2.PackingIEEE32:
		rep.BitsPerValue = 32
	case grib2.PackingIEEE64:
		rep.BitsPerValue = 64
	case grib2.PackingSimple:
		if r.BitsPerValue == nil || r.BinaryScaleFactor == nil || r.DecimalScaleFactor == nil || r.FieldType == nil {
			return rep, errors.Wrap(ErrSchema, "simple packing requires <bitsPerValue>, <binaryScaleFactor>, <decimalScaleFactor> and <typeOfOriginalFieldValues>")
		}
		rep.BitsPerValue = *r.BitsPerValue
		rep.BinaryScale = *r.BinaryScaleFactor
		rep.DecimalScale = *r.DecimalScaleFactor
		rep.FieldType = *r.FieldType
		switch {
		case r.ReferenceValueHex != nil:
			b, err := hexField("referenceValueHex", *r.ReferenceValueHex, 4)
			if err != nil {
				return rep, err
			}
			bits := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
			rep.ReferenceValue = math.Float32frombits(bits)
		case r.ReferenceValue != nil:
			v, err := strconv.ParseFloat(*r.ReferenceValue, 64)
			if err != nil {
				return rep, errors.Wrapf(ErrSchema, "invalid referenceValue %q", *r.ReferenceValue)
			}
			rep.ReferenceValue = float32(v)
		default:
			return rep, errors.Wrap(ErrSchema, "simple packing requires <referenceValue> or <referenceValueHex>")
		}
	}
	return rep, nil
}

func dataToModel(msg *grib2.Message, d *dataNode) error {
	if d == nil {
		return errors.Wrap(ErrSchema, "missing <data>")
	}
	points := int(msg.Grid.Ni) * int(msg.Grid.Nj)

	var mask []bool
	if d.BitmapIndicator != nil {
		bm := &grib2.Bitmap{Indicator: *d.BitmapIndicator}
		switch bm.Indicator {
		case 255:
			if d.Bitmap != nil {
				return errors.Wrap(ErrSchema, "<bitmap> runs present but bitmapIndicator is 255")
			}
		case 0:
			if d.Bitmap == nil {
				return errors.Wrap(ErrSchema, "bitmapIndicator is 0 but <bitmap> runs are missing")
			}
			var err error
			if bm.Mask, err = rleDecode(*d.Bitmap, points); err != nil {
				return err
			}
			mask = bm.Mask
		default:
			return errors.Wrapf(ErrSchema, "bitmapIndicator = %d, want 0 or 255", bm.Indicator)
		}
		msg.Bitmap = bm
	} else if d.Bitmap != nil {
		return errors.Wrap(ErrSchema, "<bitmap> runs present without <bitmapIndicator>")
	}

	if d.Values == nil {
		return errors.Wrap(ErrSchema, "missing <data>/<values>")
	}
	values, missing, err := parseValues(*d.Values)
	if err != nil {
		return err
	}
	if len(values) != points {
		return errors.Wrapf(ErrSchema, "got %d value tokens, grid has %d points", len(values), points)
	}
	for i, miss := range missing {
		if miss && (mask == nil || mask[i]) {
			return errors.Wrapf(ErrSchema, "value %d is \"--\" but the bitmap does not mark it missing", i)
		}
		if !miss && mask != nil && !mask[i] {
			return errors.Wrapf(ErrSchema, "value %d is present but the bitmap marks it missing", i)
		}
	}
	msg.Data.Values = values

	if d.CodedValues != nil {
		coded, err := parseCoded(*d.CodedValues)
		if err != nil {
			return err
		}
		msg.Data.Coded = coded
		if got, want := len(coded), int(msg.Representation.NumberOfValues); got != want {
			return errors.Wrapf(ErrSchema, "got %d coded values, <numberOfValues> declares %d", got, want)
		}
	}
	return nil
}

// formatValues renders values space separated, "--" for bitmap-masked points
// and "NaN" for literal NaN at present points.
func formatValues(values []float64, mask []bool) string {
	var sb strings.Builder
	for i, v := range values {
		if i > 0 {
			sb.WriteByte(' ')
		}
		switch {
		case mask != nil && !mask[i]:
			sb.WriteString("--")
		case math.IsNaN(v):
			sb.WriteString("NaN")
		default:
			sb.WriteString(formatFloat(v))
		}
	}
	return sb.String()
}

// parseValues returns the parsed values and, per token, whether it was the
// "--" missing marker. Missing tokens parse as NaN.
func parseValues(s string) ([]float64, []bool, error) {
	tokens := strings.Fields(s)
	values := make([]float64, len(tokens))
	missing := make([]bool, len(tokens))
	for i, tok := range tokens {
		switch tok {
		case "--":
			values[i] = math.NaN()
			missing[i] = true
		case "NaN", "nan":
			values[i] = math.NaN()
		default:
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, nil, errors.Wrapf(ErrSchema, "invalid value token %q at index %d", tok, i)
			}
			values[i] = v
		}
	}
	return values, missing, nil
}

func formatCoded(coded []uint64) string {
	parts := make([]string, len(coded))
	for i, x := range coded {
		parts[i] = strconv.FormatUint(x, 10)
	}
	return strings.Join(parts, ",")
}

func parseCoded(s string) ([]uint64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]uint64, 0, len(fields))
	for _, f := range fields {
		x, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrSchema, "invalid coded value %q", f)
		}
		out = append(out, x)
	}
	return out, nil
}

// rleEncode renders a bitmap mask as runs: P<n> for present points, M<n> for
// missing points.
func rleEncode(mask []bool) string {
	var sb strings.Builder
	i := 0
	for i < len(mask) {
		j := i
		for j < len(mask) && mask[j] == mask[i] {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		if mask[i] {
			sb.WriteByte('P')
		} else {
			sb.WriteByte('M')
		}
		sb.WriteString(strconv.Itoa(j - i))
		i = j
	}
	return sb.String()
}

func rleDecode(s string, points int) ([]bool, error) {
	mask := make([]bool, 0, points)
	for _, run := range strings.Fields(s) {
		if len(run) < 2 {
			return nil, errors.Wrapf(ErrSchema, "invalid bitmap run %q", run)
		}
		var present bool
		switch run[0] {
		case 'P':
			present = true
		case 'M':
			present = false
		default:
			return nil, errors.Wrapf(ErrSchema, "invalid bitmap run tag %q", run)
		}
		n, err := strconv.Atoi(run[1:])
		if err != nil || n < 1 {
			return nil, errors.Wrapf(ErrSchema, "invalid bitmap run length in %q", run)
		}
		for i := 0; i < n; i++ {
			mask = append(mask, present)
		}
	}
	if len(mask) != points {
		return nil, errors.Wrapf(ErrSchema, "bitmap runs cover %d points, grid has %d", len(mask), points)
	}
	return mask, nil
}

// formatFloat uses the shortest representation that parses back to the same
// float64.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func requiredHex(name string, s *string, wantBytes int) ([]byte, error) {
	if s == nil {
		return nil, errors.Wrapf(ErrSchema, "missing <%s>", name)
	}
	return hexField(name, *s, wantBytes)
}

func hexField(name, s string, wantBytes int) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.Wrapf(ErrSchema, "invalid hex in <%s>: %v", name, err)
	}
	if wantBytes >= 0 && len(b) != wantBytes {
		return nil, errors.Wrapf(ErrSchema, "<%s> is %d bytes, want %d", name, len(b), wantBytes)
	}
	return b, nil
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }
