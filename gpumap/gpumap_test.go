//go:build !opencl

package gpumap

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	occmap "github.com/voxgrid/occmap"
)

func occupiedValues(m *occmap.OccupancyMap) map[occmap.Key]float32 {
	values := map[occmap.Key]float32{}
	m.Walk(func(key occmap.Key, value float32) bool {
		if value != occmap.SentinelValue() {
			values[key] = value
		}
		return true
	})
	return values
}

func newTestGpuMap(t *testing.T, m *occmap.OccupancyMap, targetMem int) *GpuMap {
	t.Helper()
	if targetMem == 0 {
		// Keep the host-backed reference device small for tests.
		targetMem = 8 << 20
	}
	gm, err := NewGpuMap(m, 0, targetMem, true)
	require.NoError(t, err)
	t.Cleanup(gm.Release)
	return gm
}

func TestGpuSingleRayMatchesScalar(t *testing.T) {
	scalar := occmap.NewMap(0.1, [3]uint8{32, 32, 32}, occmap.MapFlagNone)
	gpuSide := occmap.NewMap(0.1, [3]uint8{32, 32, 32}, occmap.MapFlagNone)
	gm := newTestGpuMap(t, gpuSide, 0)

	rays := []r3.Vec{{}, {X: 0.45}}
	scalar.IntegrateRays(rays, occmap.RayFlagNone)

	n, err := gm.IntegrateRays(rays, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, gm.SyncOccupancy())

	diff := cmp.Diff(occupiedValues(scalar), occupiedValues(gpuSide),
		cmpopts.EquateApprox(0, 1e-4))
	assert.Empty(t, diff)
}

// lcg is a tiny deterministic generator so the equivalence test is stable.
type lcg uint64

func (g *lcg) next() uint64 {
	*g = *g*6364136223846793005 + 1442695040888963407
	return uint64(*g)
}

func TestGpuMatchesScalarOnRandomRays(t *testing.T) {
	// Resolution 0.125 with endpoints on voxel centres keeps every
	// coordinate exactly representable in float32, so the scalar (float64)
	// and device (float32 upload) walks see identical geometry and the only
	// differences left are addition rounding and update order.
	const resolution = 0.125
	scalar := occmap.NewMap(resolution, [3]uint8{32, 32, 32}, occmap.MapFlagNone)
	gpuSide := occmap.NewMap(resolution, [3]uint8{32, 32, 32}, occmap.MapFlagNone)
	gm := newTestGpuMap(t, gpuSide, 0)

	origin := r3.Vec{X: 0.0625, Y: 0.0625, Z: 0.0625}
	gen := lcg(12345)
	var rays []r3.Vec
	for i := 0; i < 600; i++ {
		sample := r3.Vec{
			X: (float64(int(gen.next()%64))-32 + 0.5) * resolution,
			Y: (float64(int(gen.next()%64))-32 + 0.5) * resolution,
			Z: (float64(int(gen.next()%64))-32 + 0.5) * resolution,
		}
		rays = append(rays, origin, sample)
	}

	scalar.IntegrateRays(rays, occmap.RayFlagNone)
	n, err := gm.IntegrateRays(rays, true)
	require.NoError(t, err)
	assert.Equal(t, 600, n)
	require.NoError(t, gm.SyncOccupancy())

	a, b := occupiedValues(scalar), occupiedValues(gpuSide)
	require.Equal(t, len(a), len(b), "modified voxel sets differ")
	diff := cmp.Diff(a, b, cmpopts.EquateApprox(0, 1e-3))
	assert.Empty(t, diff)
}

func TestGpuEvictionAcrossBatches(t *testing.T) {
	m := occmap.NewMap(0.1, [3]uint8{32, 32, 32}, occmap.MapFlagNone)
	chunkBytes := 32 * 32 * 32 * 4
	gm := newTestGpuMap(t, m, 4*chunkBytes)
	occCache := gm.Cache().Layer(CacheOccupancy)
	require.Equal(t, 4, occCache.PageCount())

	// Six regions touched in one call with only four pages: expect exactly
	// one cache-full finalisation, visible as one extra batch per call.
	var rays []r3.Vec
	for i := 0; i < 6; i++ {
		base := float64(i) * 3.2
		rays = append(rays,
			r3.Vec{X: base + 0.05, Y: 0.05, Z: 0.05},
			r3.Vec{X: base + 0.45, Y: 0.05, Z: 0.05})
	}

	before := occCache.BatchMarker()
	n, err := gm.IntegrateRays(rays, true)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	after := occCache.BatchMarker()
	assert.Equal(t, uint64(6), after-before,
		"expected integrate batch + exactly one cache-full finalisation")

	require.NoError(t, gm.SyncOccupancy())

	hit := m.HitValue()
	miss := m.MissValue()
	for i := 0; i < 6; i++ {
		base := float64(i) * 3.2
		sample := m.VoxelKey(r3.Vec{X: base + 0.45, Y: 0.05, Z: 0.05})
		assert.InDelta(t, hit, m.Value(sample), 1e-4, "region %d sample", i)
		free := m.VoxelKey(r3.Vec{X: base + 0.05, Y: 0.05, Z: 0.05})
		assert.InDelta(t, miss, m.Value(free), 1e-4, "region %d free", i)
	}
}

func TestGpuEndPointsAsFree(t *testing.T) {
	m := occmap.NewMap(0.1, [3]uint8{32, 32, 32}, occmap.MapFlagNone)
	gm := newTestGpuMap(t, m, 0)

	_, err := gm.IntegrateRays([]r3.Vec{{}, {X: 0.45, Y: 0.05, Z: 0.05}}, false)
	require.NoError(t, err)
	require.NoError(t, gm.SyncOccupancy())

	sample := m.VoxelKey(r3.Vec{X: 0.45, Y: 0.05, Z: 0.05})
	assert.InDelta(t, m.MissValue(), m.Value(sample), 1e-4, "sample integrates as free space")
}

func TestGpuFiltersBadRays(t *testing.T) {
	m := occmap.NewMap(0.1, [3]uint8{32, 32, 32}, occmap.MapFlagNone)
	gm := newTestGpuMap(t, m, 0)
	gm.SetMaxRangeFilter(10)

	rays := []r3.Vec{
		{}, {X: 0.45, Y: 0.05, Z: 0.05},
		{X: math.NaN()}, {X: 1},
		{}, {X: 1000},
	}
	n, err := gm.IntegrateRays(rays, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(2), gm.BadRayCount())
}

func TestGpuRepeatedBatchesClamp(t *testing.T) {
	m := occmap.NewMap(0.1, [3]uint8{32, 32, 32}, occmap.MapFlagNone)
	gm := newTestGpuMap(t, m, 0)

	rays := []r3.Vec{{X: 0.05, Y: 0.05, Z: 0.05}, {X: 3.15, Y: 0.05, Z: 0.05}}
	for i := 0; i < 20; i++ {
		_, err := gm.IntegrateRays(rays, true)
		require.NoError(t, err)
	}
	require.NoError(t, gm.SyncOccupancy())

	free := m.VoxelKey(r3.Vec{X: 0.05, Y: 0.05, Z: 0.05})
	assert.Equal(t, m.MinVoxelValue(), m.Value(free))
	sample := m.VoxelKey(r3.Vec{X: 3.15, Y: 0.05, Z: 0.05})
	assert.Equal(t, m.MaxVoxelValue(), m.Value(sample))
}
