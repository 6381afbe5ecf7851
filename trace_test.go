package occmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func collectKeys(m *OccupancyMap, start, end r3.Vec, includeEnd bool) []Key {
	var keys []Key
	m.WalkSegmentKeys(start, end, includeEnd, func(k Key) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

func TestWalkSegmentKeysAxial(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	keys := collectKeys(m, r3.Vec{}, r3.Vec{X: 0.45}, true)
	require.Len(t, keys, 5)
	for i, key := range keys {
		assert.Equal(t, RegionKey{0, 0, 0}, key.Region)
		assert.Equal(t, [3]uint8{uint8(i), 0, 0}, key.Local)
	}

	// Excluding the end voxel drops exactly the last key.
	assert.Equal(t, keys[:4], collectKeys(m, r3.Vec{}, r3.Vec{X: 0.45}, false))
}

func TestWalkSegmentKeysCrossesRegions(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	// Exactly one region along x: 33 voxels including the end voxel in the
	// next region.
	keys := collectKeys(m, r3.Vec{}, r3.Vec{X: 3.2}, true)
	require.Len(t, keys, 33)
	assert.Equal(t, RegionKey{0, 0, 0}, keys[0].Region)
	assert.Equal(t, RegionKey{1, 0, 0}, keys[32].Region)
	assert.Equal(t, uint8(0), keys[32].Local[0])
}

func TestWalkSegmentKeysDiagonalOrder(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	start := r3.Vec{X: 0.05, Y: 0.05, Z: 0.05}
	end := r3.Vec{X: 1.13, Y: 0.74, Z: -0.52}
	keys := collectKeys(m, start, end, true)
	require.NotEmpty(t, keys)
	assert.Equal(t, m.VoxelKey(start), keys[0])
	assert.Equal(t, m.VoxelKey(end), keys[len(keys)-1])

	// Successive keys differ by exactly one voxel along one axis.
	for i := 1; i < len(keys); i++ {
		diff := m.RangeBetween(keys[i-1], keys[i])
		steps := abs(diff[0]) + abs(diff[1]) + abs(diff[2])
		assert.Equal(t, 1, steps, "keys %d->%d moved %v", i-1, i, diff)
	}

	// No duplicates.
	seen := map[Key]bool{}
	for _, k := range keys {
		assert.False(t, seen[k])
		seen[k] = true
	}
}

func TestWalkSegmentKeysZeroLength(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	p := r3.Vec{X: 0.51, Y: -0.23, Z: 7.7}
	keys := collectKeys(m, p, p, true)
	require.Len(t, keys, 1)
	assert.Equal(t, m.VoxelKey(p), keys[0])

	assert.Empty(t, collectKeys(m, p, p, false))
}

func TestWalkRegions(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	start := r3.Vec{X: 0.1, Y: 0.1, Z: 0.1}
	end := r3.Vec{X: 9.5, Y: 3.4, Z: -2.2}
	var regions []RegionKey
	m.WalkRegions(start, end, func(r RegionKey) bool {
		regions = append(regions, r)
		return true
	})
	require.NotEmpty(t, regions)
	assert.Equal(t, m.RegionKeyFor(start), regions[0], "start region first")
	assert.Equal(t, m.RegionKeyFor(end), regions[len(regions)-1], "end region last")

	seen := map[RegionKey]bool{}
	for _, r := range regions {
		assert.False(t, seen[r], "region %v repeated", r)
		seen[r] = true
	}

	// Every yielded region's AABB must intersect the segment: check the
	// segment's own AABB overlaps each region, a coarse necessary condition.
	segBox := Aabb{
		Min: r3.Vec{X: minf(start.X, end.X), Y: minf(start.Y, end.Y), Z: minf(start.Z, end.Z)},
		Max: r3.Vec{X: maxf(start.X, end.X), Y: maxf(start.Y, end.Y), Z: maxf(start.Z, end.Z)},
	}
	for _, r := range regions {
		assert.True(t, segBox.Overlaps(m.regionAabb(r)), "region %v off the segment box", r)
	}
}

func TestWalkRegionsSingle(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)
	count := 0
	m.WalkRegions(r3.Vec{X: 1}, r3.Vec{X: 1}, func(r RegionKey) bool {
		count++
		assert.Equal(t, RegionKey{0, 0, 0}, r)
		return true
	})
	assert.Equal(t, 1, count)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
