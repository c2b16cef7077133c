package cloudio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/kwv/cloudreg/registration"
)

type plyType int

const (
	plyInt8 plyType = iota + 1
	plyUint8
	plyInt16
	plyUint16
	plyInt32
	plyUint32
	plyFloat32
	plyFloat64
)

var plyTypeNames = map[string]plyType{
	"char": plyInt8, "int8": plyInt8,
	"uchar": plyUint8, "uint8": plyUint8,
	"short": plyInt16, "int16": plyInt16,
	"ushort": plyUint16, "uint16": plyUint16,
	"int": plyInt32, "int32": plyInt32,
	"uint": plyUint32, "uint32": plyUint32,
	"float": plyFloat32, "float32": plyFloat32,
	"double": plyFloat64, "float64": plyFloat64,
}

func (t plyType) size() int {
	switch t {
	case plyInt8, plyUint8:
		return 1
	case plyInt16, plyUint16:
		return 2
	case plyInt32, plyUint32, plyFloat32:
		return 4
	default:
		return 8
	}
}

type plyProperty struct {
	name     string
	typ      plyType
	list     bool
	countTyp plyType
}

type plyElement struct {
	name  string
	count int
	props []plyProperty
}

type plyHeader struct {
	format   string
	elements []*plyElement
}

// parsePLYHeader reads the header and returns it with the body offset.
func parsePLYHeader(data []byte) (*plyHeader, int, error) {
	if !bytes.HasPrefix(data, []byte("ply")) {
		return nil, 0, fmt.Errorf("missing ply magic: %w", ErrMalformed)
	}
	h := &plyHeader{}
	pos := 0
	for {
		nl := bytes.IndexByte(data[pos:], '\n')
		if nl < 0 {
			return nil, 0, fmt.Errorf("header has no end_header: %w", ErrMalformed)
		}
		line := strings.TrimSpace(string(data[pos : pos+nl]))
		pos += nl + 1

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "ply", "comment", "obj_info":
		case "format":
			if len(fields) < 2 {
				return nil, 0, fmt.Errorf("format line %q: %w", line, ErrMalformed)
			}
			h.format = fields[1]
		case "element":
			if len(fields) != 3 {
				return nil, 0, fmt.Errorf("element line %q: %w", line, ErrMalformed)
			}
			count, err := strconv.Atoi(fields[2])
			if err != nil || count < 0 {
				return nil, 0, fmt.Errorf("element count %q: %w", fields[2], ErrMalformed)
			}
			h.elements = append(h.elements, &plyElement{name: fields[1], count: count})
		case "property":
			if len(h.elements) == 0 {
				return nil, 0, fmt.Errorf("property before element: %w", ErrMalformed)
			}
			prop, err := parsePLYProperty(fields[1:])
			if err != nil {
				return nil, 0, fmt.Errorf("property line %q: %w", line, err)
			}
			el := h.elements[len(h.elements)-1]
			el.props = append(el.props, prop)
		case "end_header":
			for _, el := range h.elements {
				if el.count > 0 && len(el.props) == 0 {
					return nil, 0, fmt.Errorf("element %s has %d records but no properties: %w", el.name, el.count, ErrMalformed)
				}
			}
			switch h.format {
			case "ascii", "binary_little_endian", "binary_big_endian":
				return h, pos, nil
			default:
				return nil, 0, fmt.Errorf("ply format %q: %w", h.format, ErrUnsupportedFormat)
			}
		default:
			return nil, 0, fmt.Errorf("header keyword %q: %w", fields[0], ErrMalformed)
		}
	}
}

func parsePLYProperty(fields []string) (plyProperty, error) {
	if len(fields) == 4 && fields[0] == "list" {
		countTyp, ok1 := plyTypeNames[fields[1]]
		typ, ok2 := plyTypeNames[fields[2]]
		if !ok1 || !ok2 {
			return plyProperty{}, ErrMalformed
		}
		return plyProperty{name: fields[3], typ: typ, list: true, countTyp: countTyp}, nil
	}
	if len(fields) != 2 {
		return plyProperty{}, ErrMalformed
	}
	typ, ok := plyTypeNames[fields[0]]
	if !ok {
		return plyProperty{}, ErrMalformed
	}
	return plyProperty{name: fields[1], typ: typ}, nil
}

// plyBody yields scalar values from an ascii or binary body.
type plyBody interface {
	next(t plyType) (float64, error)
}

type asciiBody struct {
	fields []string
	pos    int
}

func (b *asciiBody) next(plyType) (float64, error) {
	if b.pos >= len(b.fields) {
		return 0, fmt.Errorf("body truncated: %w", ErrMalformed)
	}
	v, err := strconv.ParseFloat(b.fields[b.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("body value %q: %w", b.fields[b.pos], ErrMalformed)
	}
	b.pos++
	return v, nil
}

type binaryBody struct {
	data  []byte
	pos   int
	order binary.ByteOrder
}

func (b *binaryBody) next(t plyType) (float64, error) {
	n := t.size()
	if b.pos+n > len(b.data) {
		return 0, fmt.Errorf("body truncated at byte %d: %w", b.pos, ErrMalformed)
	}
	raw := b.data[b.pos : b.pos+n]
	b.pos += n
	switch t {
	case plyInt8:
		return float64(int8(raw[0])), nil
	case plyUint8:
		return float64(raw[0]), nil
	case plyInt16:
		return float64(int16(b.order.Uint16(raw))), nil
	case plyUint16:
		return float64(b.order.Uint16(raw)), nil
	case plyInt32:
		return float64(int32(b.order.Uint32(raw))), nil
	case plyUint32:
		return float64(b.order.Uint32(raw)), nil
	case plyFloat32:
		return float64(math.Float32frombits(b.order.Uint32(raw))), nil
	default:
		return math.Float64frombits(b.order.Uint64(raw)), nil
	}
}

// decodePLY reads the vertex element into b and returns the triangulated
// faces. Vertex properties other than x y z become channels, with a
// "scalar_" prefix stripped. Other elements are skipped.
func decodePLY(data []byte, b *cloudBuilder) ([][3]int, error) {
	h, offset, err := parsePLYHeader(data)
	if err != nil {
		return nil, err
	}

	var body plyBody
	switch h.format {
	case "ascii":
		body = &asciiBody{fields: strings.Fields(string(data[offset:]))}
	case "binary_little_endian":
		body = &binaryBody{data: data, pos: offset, order: binary.LittleEndian}
	default:
		body = &binaryBody{data: data, pos: offset, order: binary.BigEndian}
	}

	var faces [][3]int
	sawVertex := false
	for _, el := range h.elements {
		switch el.name {
		case "vertex":
			if err := readPLYVertices(body, el, b); err != nil {
				return nil, err
			}
			sawVertex = true
		case "face":
			if faces, err = readPLYFaces(body, el); err != nil {
				return nil, err
			}
		default:
			for i := 0; i < el.count; i++ {
				if _, err := readPLYRecord(body, el, nil); err != nil {
					return nil, err
				}
			}
		}
	}
	if !sawVertex {
		return nil, fmt.Errorf("no vertex element: %w", ErrMalformed)
	}
	return faces, nil
}

// readPLYRecord reads one record. Scalars land in scalars, by property
// position; lists are returned for the last list property seen.
func readPLYRecord(body plyBody, el *plyElement, scalars []float64) ([]int, error) {
	var list []int
	for j, prop := range el.props {
		if !prop.list {
			v, err := body.next(prop.typ)
			if err != nil {
				return nil, err
			}
			if scalars != nil {
				scalars[j] = v
			}
			continue
		}
		n, err := body.next(prop.countTyp)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("negative list length: %w", ErrMalformed)
		}
		list = list[:0]
		for k := 0; k < int(n); k++ {
			v, err := body.next(prop.typ)
			if err != nil {
				return nil, err
			}
			list = append(list, int(v))
		}
	}
	return list, nil
}

func readPLYVertices(body plyBody, el *plyElement, b *cloudBuilder) error {
	xi, yi, zi := -1, -1, -1
	var extra []int
	var names []string
	for j, prop := range el.props {
		switch {
		case prop.list:
		case prop.name == "x":
			xi = j
		case prop.name == "y":
			yi = j
		case prop.name == "z":
			zi = j
		default:
			extra = append(extra, j)
			names = append(names, strings.TrimPrefix(prop.name, "scalar_"))
		}
	}
	if xi < 0 || yi < 0 || zi < 0 {
		return fmt.Errorf("vertex element lacks x y z: %w", ErrMalformed)
	}
	b.setColumns(names)

	scalars := make([]float64, len(el.props))
	values := make([]float64, len(extra))
	for i := 0; i < el.count; i++ {
		if _, err := readPLYRecord(body, el, scalars); err != nil {
			return fmt.Errorf("vertex %d: %w", i, err)
		}
		for k, j := range extra {
			values[k] = scalars[j]
		}
		b.add(r3.Vector{X: scalars[xi], Y: scalars[yi], Z: scalars[zi]}, values)
	}
	return nil
}

// readPLYFaces grows faces as records are read; el.count comes from the
// file and is not trusted for allocation.
func readPLYFaces(body plyBody, el *plyElement) ([][3]int, error) {
	var faces [][3]int
	for i := 0; i < el.count; i++ {
		poly, err := readPLYRecord(body, el, nil)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		faces = appendFan(faces, poly)
	}
	return faces, nil
}

// appendFan triangulates a convex polygon as a fan around its first corner.
func appendFan(faces [][3]int, poly []int) [][3]int {
	for k := 1; k+1 < len(poly); k++ {
		faces = append(faces, [3]int{poly[0], poly[k], poly[k+1]})
	}
	return faces
}

// encodePLY writes a binary little endian PLY with double coordinates and
// one double property per channel.
func encodePLY(set registration.PointSet, columns []column) ([]byte, error) {
	n := set.Size()
	var buf bytes.Buffer
	buf.WriteString("ply\nformat binary_little_endian 1.0\ncomment cloudreg\n")
	fmt.Fprintf(&buf, "element vertex %d\n", n)
	buf.WriteString("property double x\nproperty double y\nproperty double z\n")
	for _, c := range columns {
		fmt.Fprintf(&buf, "property double %s\n", strings.ReplaceAll(c.name, " ", "_"))
	}
	buf.WriteString("end_header\n")

	out := buf.Bytes()
	for i := 0; i < n; i++ {
		p, err := set.PointAt(i)
		if err != nil {
			return nil, err
		}
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(p.X))
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(p.Y))
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(p.Z))
		for _, c := range columns {
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(c.values[i]))
		}
	}
	return out, nil
}
