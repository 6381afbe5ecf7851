package raylog

import (
	"database/sql"
	"io"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// sqliteReader streams rays from a sqlite database with a table
//
//	rays(time REAL, ox REAL, oy REAL, oz REAL, sx REAL, sy REAL, sz REAL)
//
// ordered by time.
type sqliteReader struct {
	db   *sql.DB
	rows *sql.Rows
}

func OpenSqlite(filename string) (Reader, error) {
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, errors.Wrap(err, "opening ray database")
	}
	rows, err := db.Query(`SELECT time, ox, oy, oz, sx, sy, sz FROM rays ORDER BY time`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "querying rays")
	}
	return &sqliteReader{db: db, rows: rows}, nil
}

func (r *sqliteReader) ReadBatch(max int) ([]Ray, error) {
	rays := make([]Ray, 0, max)
	for len(rays) < max {
		if !r.rows.Next() {
			if err := r.rows.Err(); err != nil {
				return rays, errors.Wrap(err, "reading rays")
			}
			return rays, io.EOF
		}
		var ray Ray
		var o, s [3]float64
		if err := r.rows.Scan(&ray.Time, &o[0], &o[1], &o[2], &s[0], &s[1], &s[2]); err != nil {
			return rays, errors.Wrap(err, "scanning ray row")
		}
		ray.Origin = r3.Vec{X: o[0], Y: o[1], Z: o[2]}
		ray.Sample = r3.Vec{X: s[0], Y: s[1], Z: s[2]}
		rays = append(rays, ray)
	}
	return rays, nil
}

func (r *sqliteReader) Close() error {
	r.rows.Close()
	return r.db.Close()
}
