package occmap

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func populateTestMap(t *testing.T, flags MapFlag) *OccupancyMap {
	t.Helper()
	m := NewMap(0.1, [3]uint8{16, 16, 16}, flags)
	m.SetHitProbability(0.75)
	m.SetMissProbability(0.45)
	rays := []r3.Vec{
		{}, {X: 0.45},
		{}, {X: -1.2, Y: 0.7, Z: 0.3},
		{X: 1, Y: 1, Z: 1}, {X: 3, Y: -2, Z: 0.5},
	}
	m.IntegrateRays(rays, RayFlagNone)
	return m
}

func mapValues(m *OccupancyMap) map[Key]float32 {
	values := map[Key]float32{}
	m.Walk(func(key Key, value float32) bool {
		if value != SentinelValue() {
			values[key] = value
		}
		return true
	})
	return values
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, flags := range []MapFlag{MapFlagNone, MapFlagSubVoxelPosition, MapFlagCompressed | MapFlagVoxelMean} {
		m := populateTestMap(t, flags)

		var buf bytes.Buffer
		require.NoError(t, m.Save(&buf))
		loaded, err := Load(&buf)
		require.NoError(t, err, "flags %v", flags)

		assert.Equal(t, m.Resolution(), loaded.Resolution())
		assert.Equal(t, m.RegionVoxelDims(), loaded.RegionVoxelDims())
		assert.Equal(t, m.HitValue(), loaded.HitValue())
		assert.Equal(t, m.MissValue(), loaded.MissValue())
		assert.Equal(t, m.RegionCount(), loaded.RegionCount())
		assert.Equal(t, m.Layout().LayerNames(), loaded.Layout().LayerNames())
		assert.Equal(t, mapValues(m), mapValues(loaded), "flags %v", flags)

		// First-valid hints are rebuilt on load.
		for _, region := range loaded.RegionKeys() {
			chunk := loaded.Region(region, false)
			src := m.Region(region, false)
			require.NotNil(t, src)
			assert.Equal(t, src.FirstValidIndex(), chunk.FirstValidIndex())
		}
	}
}

func TestSaveFileLoadFile(t *testing.T) {
	m := populateTestMap(t, MapFlagCompressed)
	path := filepath.Join(t.TempDir(), "map.occ")
	require.NoError(t, m.SaveFile(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, mapValues(m), mapValues(loaded))
}

func TestSerialHeaderStable(t *testing.T) {
	// The header of a loaded map must match the saved map's header as JSON
	// so maps stay diffable between runs of the same layout.
	m := populateTestMap(t, MapFlagSubVoxelPosition)

	var first bytes.Buffer
	require.NoError(t, m.Save(&first))
	loaded, err := Load(bytes.NewReader(first.Bytes()))
	require.NoError(t, err)

	hdrA, err := json.Marshal(m.header())
	require.NoError(t, err)
	hdrB, err := json.Marshal(loaded.header())
	require.NoError(t, err)

	opts := jsondiff.DefaultConsoleOptions()
	diff, report := jsondiff.Compare(hdrA, hdrB, &opts)
	assert.Equal(t, jsondiff.FullMatch, diff, "header drift:\n%s", report)
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte("not a map at all")))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSerialisation)
}
