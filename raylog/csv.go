package raylog

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// csvReader parses text ray logs. Each line is
//
//	time,ox,oy,oz,sx,sy,sz
//
// or the same six coordinates without a timestamp. Commas or whitespace
// separate fields; lines starting with '#' are comments.
type csvReader struct {
	f       *os.File
	scanner *bufio.Scanner
	line    int
}

func OpenCsv(filename string) (Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "opening ray log")
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &csvReader{f: f, scanner: sc}, nil
}

func (r *csvReader) ReadBatch(max int) ([]Ray, error) {
	rays := make([]Ray, 0, max)
	for len(rays) < max {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return rays, errors.Wrap(err, "reading ray log")
			}
			return rays, io.EOF
		}
		r.line++
		text := strings.TrimSpace(r.scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.FieldsFunc(text, func(c rune) bool {
			return c == ',' || c == ' ' || c == '\t'
		})
		values := make([]float64, 0, 7)
		bad := false
		for _, field := range fields {
			if field == "" {
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				bad = true
				break
			}
			values = append(values, v)
		}
		if bad || (len(values) != 6 && len(values) != 7) {
			return rays, errors.Errorf("ray log line %d: expected 6 or 7 numbers, got %q", r.line, text)
		}
		ray := Ray{}
		if len(values) == 7 {
			ray.Time = values[0]
			values = values[1:]
		}
		ray.Origin = r3.Vec{X: values[0], Y: values[1], Z: values[2]}
		ray.Sample = r3.Vec{X: values[3], Y: values[4], Z: values[5]}
		rays = append(rays, ray)
	}
	return rays, nil
}

func (r *csvReader) Close() error {
	return r.f.Close()
}
