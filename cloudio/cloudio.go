// Package cloudio reads and writes point clouds and triangle meshes for
// registration: ASCII XYZ, PLY (ascii and binary little endian) and
// Wavefront OBJ, each optionally wrapped in zstd, s2 or lz4 compression
// chosen by file extension.
package cloudio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/kwv/cloudreg/registration"
)

var (
	// ErrUnsupportedFormat is returned for unknown file extensions or compression types.
	ErrUnsupportedFormat = errors.New("cloudio: unsupported format")
	// ErrMalformed is returned when file contents do not parse.
	ErrMalformed = errors.New("cloudio: malformed input")
)

// Precision selects the coordinate storage of loaded clouds.
type Precision int

const (
	Double Precision = iota
	Single
)

// ParsePrecision maps "double"/"" and "single" to a Precision.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(s) {
	case "", "double", "float64":
		return Double, nil
	case "single", "float", "float32":
		return Single, nil
	default:
		return Double, fmt.Errorf("precision %q: %w", s, ErrUnsupportedFormat)
	}
}

// CloudSet is a loaded cloud: a point set with scalar channels.
type CloudSet interface {
	registration.PointSet
	registration.ScalarChannels
}

type format int

const (
	formatXYZ format = iota
	formatPLY
	formatOBJ
)

var formatExtensions = map[string]format{
	".xyz": formatXYZ,
	".txt": formatXYZ,
	".asc": formatXYZ,
	".csv": formatXYZ,
	".pts": formatXYZ,
	".ply": formatPLY,
	".obj": formatOBJ,
}

// IsMeshPath reports whether path names a format that normally holds a mesh.
func IsMeshPath(path string) bool {
	_, inner := CompressionForPath(path)
	return strings.ToLower(filepath.Ext(inner)) == ".obj"
}

// readFile reads path and undoes the compression named by its extension, or
// recognized from the payload when the extension names none. It returns the
// decompressed bytes and the file format.
func readFile(path string) ([]byte, format, error) {
	ct, inner := CompressionForPath(path)
	f, ok := formatExtensions[strings.ToLower(filepath.Ext(inner))]
	if !ok {
		return nil, 0, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("reading %s: %w", path, err)
	}
	if ct == CompressionNone {
		ct = SniffCompression(raw)
	}
	codec, err := CreateCodec(ct)
	if err != nil {
		return nil, 0, err
	}
	data, err := codec.Decompress(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("decompressing %s: %w", path, err)
	}
	return data, f, nil
}

// LoadCloud loads a point cloud. Extra per-point columns become scalar
// channels; none of them is active. OBJ and PLY meshes load as their vertices.
func LoadCloud(path string, precision Precision) (CloudSet, error) {
	data, f, err := readFile(path)
	if err != nil {
		return nil, err
	}
	b := newCloudBuilder(precision)
	switch f {
	case formatXYZ:
		err = decodeXYZ(data, b)
	case formatPLY:
		_, err = decodePLY(data, b)
	case formatOBJ:
		var mesh *registration.Mesh
		if mesh, err = decodeOBJ(data); err == nil {
			for _, v := range mesh.Vertices {
				b.add(v, nil)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b.build()
}

// LoadMesh loads a triangle mesh from OBJ or PLY. Polygons are fan-triangulated.
func LoadMesh(path string) (*registration.Mesh, error) {
	data, f, err := readFile(path)
	if err != nil {
		return nil, err
	}
	var mesh *registration.Mesh
	switch f {
	case formatOBJ:
		mesh, err = decodeOBJ(data)
	case formatPLY:
		b := newCloudBuilder(Double)
		var faces [][3]int
		if faces, err = decodePLY(data, b); err == nil {
			mesh = &registration.Mesh{Vertices: b.points, Triangles: faces}
		}
	default:
		return nil, fmt.Errorf("%s is not a mesh format: %w", path, ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(mesh.Triangles) == 0 {
		return nil, fmt.Errorf("%s has no faces: %w", path, ErrMalformed)
	}
	if err := mesh.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mesh, nil
}

// WriteCloud writes set as XYZ or binary PLY, by extension, compressed as
// the extension says. Channels of sets exposing ChannelNames are written as
// extra columns.
func WriteCloud(path string, set registration.PointSet) error {
	ct, inner := CompressionForPath(path)
	f, ok := formatExtensions[strings.ToLower(filepath.Ext(inner))]
	if !ok || f == formatOBJ {
		return fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}

	columns, err := collectColumns(set)
	if err != nil {
		return err
	}
	var data []byte
	if f == formatPLY {
		data, err = encodePLY(set, columns)
	} else {
		data, err = encodeXYZ(set, columns)
	}
	if err != nil {
		return err
	}

	codec, err := CreateCodec(ct)
	if err != nil {
		return err
	}
	if data, err = codec.Compress(data); err != nil {
		return fmt.Errorf("compressing %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

type column struct {
	name   string
	values []float64
}

func collectColumns(set registration.PointSet) ([]column, error) {
	named, ok := set.(interface {
		ChannelNames() []string
		Channel(name string) ([]float64, bool)
	})
	if !ok {
		return nil, nil
	}
	var columns []column
	for _, name := range named.ChannelNames() {
		values, _ := named.Channel(name)
		if len(values) != set.Size() {
			return nil, fmt.Errorf("channel %q has %d values for %d points: %w", name, len(values), set.Size(), ErrMalformed)
		}
		columns = append(columns, column{name: name, values: values})
	}
	return columns, nil
}

// cloudBuilder accumulates points and named columns for either precision.
type cloudBuilder struct {
	precision Precision
	points    []r3.Vector
	names     []string
	columns   [][]float64
}

func newCloudBuilder(precision Precision) *cloudBuilder {
	return &cloudBuilder{precision: precision}
}

func (b *cloudBuilder) setColumns(names []string) {
	b.names = names
	b.columns = make([][]float64, len(names))
}

func (b *cloudBuilder) add(p r3.Vector, extra []float64) {
	b.points = append(b.points, p)
	for i := range b.columns {
		v := 0.0
		if i < len(extra) {
			v = extra[i]
		}
		b.columns[i] = append(b.columns[i], v)
	}
}

func (b *cloudBuilder) build() (CloudSet, error) {
	var set CloudSet
	if b.precision == Single {
		coords := make([]float32, 0, 3*len(b.points))
		for _, p := range b.points {
			coords = append(coords, float32(p.X), float32(p.Y), float32(p.Z))
		}
		c32, err := registration.NewCloud32(coords)
		if err != nil {
			return nil, err
		}
		set = c32
	} else {
		set = registration.NewCloud(b.points)
	}

	for i, name := range b.names {
		if err := set.CreateChannel(name); err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		values, _ := set.Channel(name)
		copy(values, b.columns[i])
	}
	return set, nil
}
