package raylog

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCsvReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rays.csv")
	content := `# time ox oy oz sx sy sz
1.5,0,0,0,1,2,3
1.6, 0.1, 0, 0, -1, -2, -3

2.0 0 0 0 4 5 6
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	rays, err := ReadAll(r)
	require.NoError(t, err)
	require.Len(t, rays, 3)
	assert.Equal(t, 1.5, rays[0].Time)
	assert.Equal(t, 3.0, rays[0].Sample.Z)
	assert.Equal(t, 0.1, rays[1].Origin.X)
	assert.Equal(t, 2.0, rays[2].Time)
	assert.Equal(t, 6.0, rays[2].Sample.Z)
}

func TestCsvReaderNoTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rays.txt")
	require.NoError(t, os.WriteFile(path, []byte("0,0,0,1,1,1\n"), 0o644))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	rays, err := r.ReadBatch(10)
	if err != nil {
		require.Equal(t, io.EOF, err)
	}
	require.Len(t, rays, 1)
	assert.Equal(t, 0.0, rays[0].Time)
	assert.Equal(t, 1.0, rays[0].Sample.X)
}

func TestCsvReaderBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rays.csv")
	require.NoError(t, os.WriteFile(path, []byte("1,2\n"), 0o644))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = ReadAll(r)
	assert.Error(t, err)
}
