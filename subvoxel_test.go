package occmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestSubVoxelPackRoundTrip(t *testing.T) {
	// The quantisation grid has 1023 steps across [-0.5, 0.5]; a round trip
	// must land within one step.
	const gridStep = 1.0 / 1023.0
	offsets := []r3.Vec{
		{},
		{X: 0.5, Y: 0.5, Z: 0.5},
		{X: -0.5, Y: -0.5, Z: -0.5},
		{X: 0.25, Y: -0.125, Z: 0.4999},
		{X: -0.3331, Y: 0.0001, Z: -0.077},
	}
	for _, offset := range offsets {
		back, ok := SubVoxelUnpack(SubVoxelPack(offset))
		require.True(t, ok)
		assert.InDelta(t, offset.X, back.X, gridStep, "x of %v", offset)
		assert.InDelta(t, offset.Y, back.Y, gridStep, "y of %v", offset)
		assert.InDelta(t, offset.Z, back.Z, gridStep, "z of %v", offset)
	}
}

func TestSubVoxelUnpackEmpty(t *testing.T) {
	_, ok := SubVoxelUnpack(0)
	assert.False(t, ok, "zero pattern means no recorded position")
}

func TestSubVoxelUpdateEma(t *testing.T) {
	const resolution = 0.1
	const weight = 0.3

	// First sample lands exactly (modulo quantisation).
	pattern := subVoxelUpdate(0, r3.Vec{X: 0.02, Y: -0.01, Z: 0.03}, resolution, weight)
	offset, ok := SubVoxelUnpack(pattern)
	require.True(t, ok)
	assert.InDelta(t, 0.2, offset.X, 2e-3)
	assert.InDelta(t, -0.1, offset.Y, 2e-3)
	assert.InDelta(t, 0.3, offset.Z, 2e-3)

	// Repeated samples at a fixed offset converge to it.
	target := r3.Vec{X: -0.04, Y: 0.04, Z: 0.0}
	for i := 0; i < 50; i++ {
		pattern = subVoxelUpdate(pattern, target, resolution, weight)
	}
	offset, ok = SubVoxelUnpack(pattern)
	require.True(t, ok)
	assert.InDelta(t, -0.4, offset.X, 5e-3)
	assert.InDelta(t, 0.4, offset.Y, 5e-3)
	assert.InDelta(t, 0.0, offset.Z, 5e-3)
}

func TestIntegrateHitRecordsSubVoxel(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagSubVoxelPosition)

	sample := r3Vec(0.07, 0.05, 0.02)
	m.IntegrateHit(sample, r3Vec(0, 0, 0))

	pos, ok := m.VoxelPosition(m.VoxelKey(sample))
	require.True(t, ok)
	assert.InDelta(t, sample.X, pos.X, 1e-3)
	assert.InDelta(t, sample.Y, pos.Y, 1e-3)
	assert.InDelta(t, sample.Z, pos.Z, 1e-3)
}
