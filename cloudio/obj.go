package cloudio

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/kwv/cloudreg/registration"
)

// decodeOBJ reads v and f statements of a Wavefront OBJ file. Face corners
// may be written i, i/t, i//n or i/t/n, with negative indices counting back
// from the latest vertex. Everything else is ignored.
func decodeOBJ(data []byte) (*registration.Mesh, error) {
	mesh := &registration.Mesh{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	lineNo := 0
	var poly []int
	for sc.Scan() {
		lineNo++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: vertex needs 3 coordinates: %w", lineNo, ErrMalformed)
			}
			values, ok := parseFloats(fields[1:4])
			if !ok {
				return nil, fmt.Errorf("line %d: bad vertex: %w", lineNo, ErrMalformed)
			}
			mesh.Vertices = append(mesh.Vertices, r3.Vector{X: values[0], Y: values[1], Z: values[2]})
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: face needs 3 corners: %w", lineNo, ErrMalformed)
			}
			poly = poly[:0]
			for _, corner := range fields[1:] {
				idx, err := objIndex(corner, len(mesh.Vertices))
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", lineNo, err)
				}
				poly = append(poly, idx)
			}
			mesh.Triangles = appendFan(mesh.Triangles, poly)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning: %w", err)
	}
	return mesh, nil
}

// objIndex converts a 1-based or negative OBJ corner reference to a 0-based
// vertex index.
func objIndex(corner string, vertices int) (int, error) {
	if slash := strings.IndexByte(corner, '/'); slash >= 0 {
		corner = corner[:slash]
	}
	i, err := strconv.Atoi(corner)
	if err != nil || i == 0 {
		return 0, fmt.Errorf("face corner %q: %w", corner, ErrMalformed)
	}
	if i < 0 {
		i += vertices
	} else {
		i--
	}
	if i < 0 || i >= vertices {
		return 0, fmt.Errorf("face corner %q refers past %d vertices: %w", corner, vertices, ErrMalformed)
	}
	return i, nil
}
