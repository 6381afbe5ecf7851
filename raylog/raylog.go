// Package raylog loads ray streams (origin/sample pairs with timestamps)
// from CSV text logs or sqlite databases for the occpop driver.
package raylog

import (
	"io"
	"path"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// Ray is one sensor observation.
type Ray struct {
	Time   float64
	Origin r3.Vec
	Sample r3.Vec
}

// Reader yields rays in batches. ReadBatch returns io.EOF once the stream is
// exhausted; a short batch with nil error is valid.
type Reader interface {
	ReadBatch(max int) ([]Ray, error)
	Close() error
}

// Open picks a reader by file extension: .db/.sqlite/.sqlite3 opens a sqlite
// ray table, anything else is parsed as a CSV/whitespace text log.
func Open(filename string) (Reader, error) {
	switch strings.ToLower(path.Ext(filename)) {
	case ".db", ".sqlite", ".sqlite3":
		return OpenSqlite(filename)
	default:
		return OpenCsv(filename)
	}
}

// ReadAll drains a reader.
func ReadAll(r Reader) ([]Ray, error) {
	var rays []Ray
	for {
		batch, err := r.ReadBatch(4096)
		rays = append(rays, batch...)
		if err == io.EOF {
			return rays, nil
		}
		if err != nil {
			return rays, errors.Wrap(err, "reading ray log")
		}
	}
}
