package grib2

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Write serializes msg back into wire format. Section lengths and the total
// message length are recomputed from the encoded bodies; for a message
// produced by Read1 and not repacked, the output is byte-identical to the
// input.
func Write(msg *Message) ([]byte, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}

	var sections [][]byte
	sections = append(sections, section(1, msg.Identification.Body))
	if msg.LocalUse != nil {
		sections = append(sections, section(2, msg.LocalUse.Body))
	}
	gridBody, err := gridDefinitionBody(&msg.Grid)
	if err != nil {
		return nil, errors.Wrap(err, "error encoding grid definition section")
	}
	sections = append(sections, section(3, gridBody))
	sections = append(sections, section(4, msg.Product.Body))
	sections = append(sections, section(5, dataRepresentationBody(&msg.Representation)))
	if msg.Bitmap != nil {
		sections = append(sections, section(6, bitmapBody(msg.Bitmap)))
	}
	dataBody, err := encodeData(msg)
	if err != nil {
		return nil, errors.Wrap(err, "error encoding data section")
	}
	sections = append(sections, section(7, dataBody))

	total := indicatorLength + endSectionLength
	for _, s := range sections {
		total += len(s)
	}

	out := make([]byte, 0, total)
	out = append(out, 'G', 'R', 'I', 'B')
	out = append(out, msg.Indicator.Reserved[0], msg.Indicator.Reserved[1])
	out = append(out, msg.Indicator.Discipline, msg.Indicator.Edition)
	var lenField [8]byte
	binary.BigEndian.PutUint64(lenField[:], uint64(total))
	out = append(out, lenField[:]...)
	for _, s := range sections {
		out = append(out, s...)
	}
	out = append(out, '7', '7', '7', '7')
	return out, nil
}

// section prefixes body with the 4-byte section length and 1-byte number.
func section(num uint8, body []byte) []byte {
	out := make([]byte, sectionHeaderLen+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(out)))
	out[4] = num
	copy(out[sectionHeaderLen:], body)
	return out
}

func gridDefinitionBody(g *GridDefinition) ([]byte, error) {
	if g.TemplateNumber != 0 {
		return nil, errors.Wrapf(ErrFormat, "unsupported grid definition template %d (supported: 3.0)", g.TemplateNumber)
	}
	if len(g.EarthShape) != 16 {
		return nil, errors.Wrapf(ErrFormat, "earth shape block is %d bytes, want 16", len(g.EarthShape))
	}
	body := make([]byte, 67+len(g.Trailing))
	body[0] = g.Source
	binary.BigEndian.PutUint32(body[1:5], g.NumberOfDataPoints)
	body[5] = g.OptionalListOctets
	body[6] = g.OptionalListInterp
	binary.BigEndian.PutUint16(body[7:9], g.TemplateNumber)
	copy(body[9:25], g.EarthShape)
	binary.BigEndian.PutUint32(body[25:29], g.Ni)
	binary.BigEndian.PutUint32(body[29:33], g.Nj)
	binary.BigEndian.PutUint32(body[33:37], g.BasicAngle)
	binary.BigEndian.PutUint32(body[37:41], g.Subdivs)
	binary.BigEndian.PutUint32(body[41:45], put4ByteInt(g.La1))
	binary.BigEndian.PutUint32(body[45:49], put4ByteInt(g.Lo1))
	body[49] = g.ResolutionFlags
	binary.BigEndian.PutUint32(body[50:54], put4ByteInt(g.La2))
	binary.BigEndian.PutUint32(body[54:58], put4ByteInt(g.Lo2))
	binary.BigEndian.PutUint32(body[58:62], g.Di)
	binary.BigEndian.PutUint32(body[62:66], g.Dj)
	body[66] = g.ScanningMode
	copy(body[67:], g.Trailing)
	return body, nil
}

func dataRepresentationBody(rep *DataRepresentation) []byte {
	switch rep.Kind {
	case PackingIEEE32, PackingIEEE64:
		body := make([]byte, 7)
		binary.BigEndian.PutUint32(body[0:4], rep.NumberOfValues)
		binary.BigEndian.PutUint16(body[4:6], 4)
		if rep.Kind == PackingIEEE32 {
			body[6] = 1
		} else {
			body[6] = 2
		}
		return body
	default:
		body := make([]byte, 16)
		binary.BigEndian.PutUint32(body[0:4], rep.NumberOfValues)
		binary.BigEndian.PutUint16(body[4:6], 0)
		binary.BigEndian.PutUint32(body[6:10], math.Float32bits(rep.ReferenceValue))
		binary.BigEndian.PutUint16(body[10:12], put2ByteInt(rep.BinaryScale))
		binary.BigEndian.PutUint16(body[12:14], put2ByteInt(rep.DecimalScale))
		body[14] = rep.BitsPerValue
		body[15] = rep.FieldType
		return body
	}
}

func bitmapBody(bm *Bitmap) []byte {
	if bm.Indicator != 0 {
		return []byte{bm.Indicator}
	}
	bw := &bitWriter{}
	for _, ok := range bm.Mask {
		if ok {
			bw.writeBits(1, 1)
		} else {
			bw.writeBits(0, 1)
		}
	}
	return append([]byte{0}, bw.bytes()...)
}

func put2ByteInt(v int16) uint16 {
	if v < 0 {
		return 0x8000 | uint16(-v)
	}
	return uint16(v)
}

func put4ByteInt(v int32) uint32 {
	if v < 0 {
		return 0x80000000 | uint32(-v)
	}
	return uint32(v)
}
