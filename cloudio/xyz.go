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

// splitFields splits an XYZ line on whitespace, commas or semicolons.
func splitFields(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ',' || r == ';' || r == '\r'
	})
}

func parseFloats(fields []string) ([]float64, bool) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// decodeXYZ parses one point per line, x y z first. Columns past the third
// become channels, named by a "# x y z a b" or "x,y,z,a,b" header line when
// one precedes the data and "sf1", "sf2", ... otherwise.
func decodeXYZ(data []byte, b *cloudBuilder) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	var header []string
	columns := -1
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if columns < 0 {
				header = splitFields(strings.TrimPrefix(line, "#"))
			}
			continue
		}

		fields := splitFields(line)
		values, ok := parseFloats(fields)
		if !ok {
			if columns < 0 {
				header = fields
				continue
			}
			return fmt.Errorf("line %d: non-numeric field: %w", lineNo, ErrMalformed)
		}
		if columns < 0 {
			if len(values) < 3 {
				return fmt.Errorf("line %d: %d columns, need x y z: %w", lineNo, len(values), ErrMalformed)
			}
			columns = len(values)
			b.setColumns(channelNames(header, columns-3))
		}
		if len(values) != columns {
			return fmt.Errorf("line %d: %d columns, expected %d: %w", lineNo, len(values), columns, ErrMalformed)
		}
		b.add(r3.Vector{X: values[0], Y: values[1], Z: values[2]}, values[3:])
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scanning: %w", err)
	}
	return nil
}

// channelNames takes extra column names from header when it names exactly
// x y z plus extra columns.
func channelNames(header []string, extra int) []string {
	names := make([]string, extra)
	useHeader := len(header) == extra+3
	seen := make(map[string]bool)
	for i := range names {
		name := ""
		if useHeader {
			name = header[3+i]
		}
		if name == "" || seen[name] {
			name = "sf" + strconv.Itoa(i+1)
		}
		seen[name] = true
		names[i] = name
	}
	return names
}

func encodeXYZ(set registration.PointSet, columns []column) ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	if len(columns) > 0 {
		w.WriteString("# x y z")
		for _, c := range columns {
			w.WriteByte(' ')
			w.WriteString(strings.ReplaceAll(c.name, " ", "_"))
		}
		w.WriteByte('\n')
	}

	num := make([]byte, 0, 32)
	for i := 0; i < set.Size(); i++ {
		p, err := set.PointAt(i)
		if err != nil {
			return nil, err
		}
		for j, v := range []float64{p.X, p.Y, p.Z} {
			if j > 0 {
				w.WriteByte(' ')
			}
			w.Write(strconv.AppendFloat(num[:0], v, 'g', -1, 64))
		}
		for _, c := range columns {
			w.WriteByte(' ')
			w.Write(strconv.AppendFloat(num[:0], c.values[i], 'g', -1, 64))
		}
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
