package occmap

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestVoxelKeyCentreRoundTrip(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	keys := []Key{
		{Region: RegionKey{0, 0, 0}, Local: [3]uint8{0, 0, 0}},
		{Region: RegionKey{0, 0, 0}, Local: [3]uint8{31, 31, 31}},
		{Region: RegionKey{-1, 2, -3}, Local: [3]uint8{5, 0, 31}},
		{Region: RegionKey{100, -100, 7}, Local: [3]uint8{16, 16, 16}},
		{Region: RegionKey{math.MaxInt16, math.MinInt16, 0}, Local: [3]uint8{1, 2, 3}},
	}
	for _, key := range keys {
		centre := m.VoxelCentreGlobal(key)
		assert.Equal(t, key, m.VoxelKey(centre), "round trip via %v", centre)
	}
}

func TestVoxelKeyBoundaryTieBreak(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	// A point exactly on a voxel boundary belongs to the voxel with the
	// larger coordinate.
	key := m.VoxelKey(r3.Vec{X: 0.1, Y: 0, Z: 0})
	assert.Equal(t, RegionKey{0, 0, 0}, key.Region)
	assert.Equal(t, [3]uint8{1, 0, 0}, key.Local)

	// Same on a region boundary: carries to the next region.
	key = m.VoxelKey(r3.Vec{X: 3.2, Y: 0, Z: 0})
	assert.Equal(t, RegionKey{1, 0, 0}, key.Region)
	assert.Equal(t, uint8(0), key.Local[0])

	// Negative coordinates floor downward.
	key = m.VoxelKey(r3.Vec{X: -0.05, Y: 0, Z: 0})
	assert.Equal(t, RegionKey{-1, 0, 0}, key.Region)
	assert.Equal(t, uint8(31), key.Local[0])
}

func TestStepKeyCarriesRegions(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	key := Key{Region: RegionKey{0, 0, 0}, Local: [3]uint8{31, 0, 0}}
	stepped := m.StepKey(key, 0, 1)
	assert.Equal(t, RegionKey{1, 0, 0}, stepped.Region)
	assert.Equal(t, uint8(0), stepped.Local[0])

	back := m.StepKey(stepped, 0, -1)
	assert.Equal(t, key, back)

	// Walking the long way round an axis.
	key = Key{Region: RegionKey{0, 0, 0}, Local: [3]uint8{0, 0, 0}}
	for i := 0; i < 64; i++ {
		key = m.StepKey(key, 1, 1)
	}
	assert.Equal(t, RegionKey{0, 2, 0}, key.Region)
	assert.Equal(t, uint8(0), key.Local[1])
}

func TestStepKeySaturates(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	top := Key{Region: RegionKey{math.MaxInt16, 0, 0}, Local: [3]uint8{31, 0, 0}}
	assert.Equal(t, top, m.StepKey(top, 0, 1), "step past +int16 must not wrap")

	bottom := Key{Region: RegionKey{math.MinInt16, 0, 0}, Local: [3]uint8{0, 0, 0}}
	assert.Equal(t, bottom, m.StepKey(bottom, 0, -1), "step past -int16 must not wrap")
}

func TestMoveKeyAndRange(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	from := Key{Region: RegionKey{0, 0, 0}, Local: [3]uint8{10, 20, 30}}
	to := m.MoveKey(from, 100, -50, 3)
	require.Equal(t, [3]int{100, -50, 3}, m.RangeBetween(from, to))

	// MoveKey by single steps agrees with StepKey.
	stepped := from
	for i := 0; i < 100; i++ {
		stepped = m.StepKey(stepped, 0, 1)
	}
	for i := 0; i < 50; i++ {
		stepped = m.StepKey(stepped, 1, -1)
	}
	for i := 0; i < 3; i++ {
		stepped = m.StepKey(stepped, 2, 1)
	}
	assert.Equal(t, to, stepped)
}

func TestNullKey(t *testing.T) {
	m := NewMap(0.1, [3]uint8{32, 32, 32}, MapFlagNone)

	assert.True(t, KeyNull.IsNull())
	assert.NotEqual(t, KeyNull, m.VoxelKey(r3.Vec{}))
	assert.True(t, m.Voxel(KeyNull, true, nil).IsNull(), "null key must not resolve")
	assert.Equal(t, 0, m.RegionCount())
}
