package occmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestIntegrateSingleRay(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	m.IntegrateRays([]r3.Vec{{}, {X: 0.45}}, RayFlagNone)

	missValue := ProbabilityToValue(0.4)
	hitValue := ProbabilityToValue(0.7)
	for x := 0; x < 4; x++ {
		key := Key{Region: RegionKey{0, 0, 0}, Local: [3]uint8{uint8(x), 0, 0}}
		assert.InDelta(t, missValue, m.Value(key), 1e-6, "free voxel x=%d", x)
	}
	sampleKey := Key{Region: RegionKey{0, 0, 0}, Local: [3]uint8{4, 0, 0}}
	assert.InDelta(t, hitValue, m.Value(sampleKey), 1e-6)
	assert.Equal(t, OccupancyOccupied, m.OccupancyTypeOf(m.Voxel(sampleKey, false, nil)))

	// Nothing else was touched.
	count := 0
	m.Walk(func(key Key, value float32) bool {
		if value != SentinelValue() {
			count++
		}
		return true
	})
	assert.Equal(t, 5, count)
}

func TestIntegrateRepeatedRaysClamp(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	ray := []r3.Vec{{}, {X: 3.2}}
	for i := 0; i < 1000; i++ {
		m.IntegrateRays(ray, RayFlagNone)
	}

	for x := 0; x < 32; x++ {
		key := Key{Region: RegionKey{0, 0, 0}, Local: [3]uint8{uint8(x), 0, 0}}
		assert.Equal(t, m.MinVoxelValue(), m.Value(key), "free voxel x=%d clamps at min", x)
	}
	sampleKey := m.VoxelKey(r3Vec(3.2, 0, 0))
	assert.Equal(t, RegionKey{1, 0, 0}, sampleKey.Region)
	assert.Equal(t, m.MaxVoxelValue(), m.Value(sampleKey), "sample voxel clamps at max")
	assert.Equal(t, OccupancyOccupied, m.OccupancyTypeOf(m.Voxel(sampleKey, false, nil)))
}

func TestIntegrateZeroLengthRay(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	p := r3Vec(0.33, 0.33, 0.33)
	m.IntegrateRays([]r3.Vec{p, p}, RayFlagNone)

	touched := 0
	m.Walk(func(key Key, value float32) bool {
		if value != SentinelValue() {
			touched++
			assert.Equal(t, m.HitValue(), value, "zero-length ray hits its endpoint only")
		}
		return true
	})
	assert.Equal(t, 1, touched)
}

func TestIntegrateRayFilterShortens(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)
	m.SetRayFilter(ClipRangeFilter(1.0))

	m.IntegrateRays([]r3.Vec{{}, {X: 10}}, RayFlagNone)

	// Only voxels within the first metre are touched; the clipped sample is
	// treated as free space, and the original endpoint stays unobserved.
	m.Walk(func(key Key, value float32) bool {
		if value != SentinelValue() {
			centre := m.VoxelCentreGlobal(key)
			assert.LessOrEqual(t, centre.X, 1.0+m.Resolution(), "touched voxel beyond the clip range")
			assert.InDelta(t, m.MissValue(), value, 1e-6)
		}
		return true
	})
	assert.Equal(t, SentinelValue(), m.Value(m.VoxelKey(r3Vec(10, 0, 0))))
}

func TestIntegrateRayFilterRejects(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	bad := float64(0)
	m.IntegrateRays([]r3.Vec{{X: bad / bad}, {X: 1}}, RayFlagNone) // NaN origin
	assert.Equal(t, 0, m.RegionCount())
	assert.Equal(t, uint64(1), m.BadRayCount())
}

func TestIntegrateSamplesOnly(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	m.IntegrateRays([]r3.Vec{{}, {X: 0.45}}, RayFlagExcludeRay)

	touched := 0
	m.Walk(func(key Key, value float32) bool {
		if value != SentinelValue() {
			touched++
			assert.Equal(t, m.HitValue(), value)
		}
		return true
	})
	assert.Equal(t, 1, touched, "samples-only mode must not erode")
}

func TestIntegrateErodeOnly(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	m.IntegrateRays([]r3.Vec{{}, {X: 0.45}}, RayFlagExcludeSample)

	sampleKey := m.VoxelKey(r3Vec(0.45, 0, 0))
	assert.Equal(t, SentinelValue(), m.Value(sampleKey), "erode mode leaves the sample voxel alone")
	key := Key{Region: RegionKey{0, 0, 0}, Local: [3]uint8{0, 0, 0}}
	assert.InDelta(t, m.MissValue(), m.Value(key), 1e-6)
}

func TestIntegrateEndPointAsFree(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	m.IntegrateRays([]r3.Vec{{}, {X: 0.45}}, RayFlagEndPointAsFree)
	sampleKey := m.VoxelKey(r3Vec(0.45, 0, 0))
	assert.InDelta(t, m.MissValue(), m.Value(sampleKey), 1e-6)
}

func TestIntegrateStopOnFirstOccupied(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	// Build an occupied wall at x = 0.25.
	wall := m.VoxelKey(r3Vec(0.25, 0, 0))
	for i := 0; i < 10; i++ {
		voxel := m.Voxel(wall, true, nil)
		voxel.SetValue(m.hitUpdate(voxel.Value()))
	}
	wallValue := m.Value(wall)
	require.True(t, m.IsOccupied(wallValue))

	m.IntegrateRays([]r3.Vec{{}, {X: 0.45}}, RayFlagStopOnFirstOccupied)

	// The wall took one miss, then traversal stopped: the sample voxel and
	// everything behind the wall stays unobserved.
	assert.InDelta(t, wallValue+m.MissValue(), m.Value(wall), 1e-6)
	assert.Equal(t, SentinelValue(), m.Value(m.VoxelKey(r3Vec(0.35, 0, 0))))
	assert.Equal(t, SentinelValue(), m.Value(m.VoxelKey(r3Vec(0.45, 0, 0))))
}

func TestIntegrateClearOnly(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	occupied := m.VoxelKey(r3Vec(0.15, 0, 0))
	voxel := m.Voxel(occupied, true, nil)
	voxel.SetValue(m.hitUpdate(voxel.Value()))
	occupiedValue := m.Value(occupied)
	require.True(t, m.IsOccupied(occupiedValue))

	m.IntegrateRays([]r3.Vec{{}, {X: 0.45}}, RayFlagClearOnly|RayFlagExcludeSample)

	// Only the occupied voxel was eroded; unobserved voxels stay untouched.
	assert.InDelta(t, occupiedValue+m.MissValue(), m.Value(occupied), 1e-6)
	assert.Equal(t, SentinelValue(), m.Value(m.VoxelKey(r3Vec(0.05, 0, 0))))
}

func TestIntegrateHitMeanLayer(t *testing.T) {
	m := NewMap(0.1, [3]uint8{16, 16, 16}, MapFlagVoxelMean)

	sample := r3Vec(0.12, 0.17, 0.03)
	for i := 0; i < 5; i++ {
		m.IntegrateHit(sample, r3Vec(0, 0, 1))
	}
	pos, ok := m.VoxelPosition(m.VoxelKey(sample))
	require.True(t, ok)
	assert.InDelta(t, sample.X, pos.X, 1e-5)
	assert.InDelta(t, sample.Y, pos.Y, 1e-5)
	assert.InDelta(t, sample.Z, pos.Z, 1e-5)
}
