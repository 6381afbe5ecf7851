//go:build !opencl

package gpumap

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	occmap "github.com/voxgrid/occmap"
)

func TestIntegrateLocalRaysIdentity(t *testing.T) {
	m := occmap.NewMap(0.1, [3]uint8{32, 32, 32}, occmap.MapFlagNone)
	gm := newTestGpuMap(t, m, 0)

	trajectory := []TrajectoryPoint{
		{Time: 0, Rotation: r3.NewRotation(0, r3.Vec{Z: 1})},
		{Time: 1, Rotation: r3.NewRotation(0, r3.Vec{Z: 1})},
	}
	samples := []r3.Vec{{X: 0.45, Y: 0.05, Z: 0.05}}
	n, err := gm.IntegrateLocalRays(trajectory, []float64{0.5}, samples, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, gm.SyncOccupancy())

	sample := m.VoxelKey(r3.Vec{X: 0.45, Y: 0.05, Z: 0.05})
	assert.InDelta(t, m.HitValue(), m.Value(sample), 1e-4)
}

func TestIntegrateLocalRaysTransforms(t *testing.T) {
	m := occmap.NewMap(0.1, [3]uint8{32, 32, 32}, occmap.MapFlagNone)
	gm := newTestGpuMap(t, m, 0)

	// Sensor near (1, 0, 0), rotated 90 degrees about z: the local +x sample
	// lands along world +y. Mid-voxel coordinates keep the rotation's float
	// error away from voxel boundaries.
	pose := TrajectoryPoint{
		Time:        0,
		Translation: r3.Vec{X: 1.05, Y: 0.05, Z: 0.05},
		Rotation:    r3.NewRotation(math.Pi/2, r3.Vec{Z: 1}),
	}
	trajectory := []TrajectoryPoint{pose, {Time: 1, Translation: pose.Translation, Rotation: pose.Rotation}}

	samples := []r3.Vec{{X: 0.4}}
	_, err := gm.IntegrateLocalRays(trajectory, []float64{0.5}, samples, true)
	require.NoError(t, err)
	require.NoError(t, gm.SyncOccupancy())

	expected := m.VoxelKey(r3.Vec{X: 1.05, Y: 0.45, Z: 0.05})
	assert.InDelta(t, m.HitValue(), m.Value(expected), 1e-4)
}

func TestInterpolatePose(t *testing.T) {
	trajectory := []TrajectoryPoint{
		{Time: 0, Translation: r3.Vec{}, Rotation: r3.NewRotation(0, r3.Vec{Z: 1})},
		{Time: 10, Translation: r3.Vec{X: 10}, Rotation: r3.NewRotation(math.Pi, r3.Vec{Z: 1})},
	}

	translation, rotation := interpolatePose(trajectory, 5)
	assert.InDelta(t, 5.0, translation.X, 1e-12)
	// Halfway between identity and a half turn is a quarter turn.
	rotated := rotation.Rotate(r3.Vec{X: 1})
	assert.InDelta(t, 0.0, rotated.X, 1e-9)
	assert.InDelta(t, 1.0, rotated.Y, 1e-9)

	// Clamping outside the span.
	translation, _ = interpolatePose(trajectory, -5)
	assert.Equal(t, 0.0, translation.X)
	translation, _ = interpolatePose(trajectory, 99)
	assert.Equal(t, 10.0, translation.X)
}
