package occmap

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// RegionKey identifies one region (chunk) of the map. Coordinates are in
// units of whole regions relative to the map origin.
type RegionKey struct {
	X, Y, Z int16
}

func (r RegionKey) Axis(axis int) int16 {
	switch axis {
	case 0:
		return r.X
	case 1:
		return r.Y
	case 2:
		return r.Z
	}
	panic(fmt.Sprintf("bad axis %d", axis))
}

func (r *RegionKey) setAxis(axis int, v int16) {
	switch axis {
	case 0:
		r.X = v
	case 1:
		r.Y = v
	case 2:
		r.Z = v
	}
}

// Key addresses a single voxel as (region, local-within-region).
type Key struct {
	Region RegionKey
	Local  [3]uint8
}

// KeyNull is the sentinel key. It compares unequal to any key produced by
// addressing a point, and all lookups through it fail.
var KeyNull = Key{
	Region: RegionKey{math.MinInt16, math.MinInt16, math.MinInt16},
	Local:  [3]uint8{0xff, 0xff, 0xff},
}

func (k Key) IsNull() bool {
	return k == KeyNull
}

func (k Key) String() string {
	if k.IsNull() {
		return "Key(null)"
	}
	return fmt.Sprintf("Key[%d %d %d : %d %d %d]",
		k.Region.X, k.Region.Y, k.Region.Z, k.Local[0], k.Local[1], k.Local[2])
}

func vecAxis(v r3.Vec, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	case 2:
		return v.Z
	}
	panic(fmt.Sprintf("bad axis %d", axis))
}

func setVecAxis(v *r3.Vec, axis int, f float64) {
	switch axis {
	case 0:
		v.X = f
	case 1:
		v.Y = f
	case 2:
		v.Z = f
	}
}

func clampRegionCoord(c float64) int16 {
	if c <= math.MinInt16 {
		return math.MinInt16
	}
	if c >= math.MaxInt16 {
		return math.MaxInt16
	}
	return int16(c)
}

// RegionKeyFor maps a world point to the region containing it. Points exactly
// on a region boundary belong to the region with the larger coordinate, which
// is what floor() gives us.
func (m *OccupancyMap) RegionKeyFor(point r3.Vec) RegionKey {
	rel := r3.Sub(point, m.origin)
	return RegionKey{
		X: clampRegionCoord(math.Floor(rel.X / m.regionSpatial.X)),
		Y: clampRegionCoord(math.Floor(rel.Y / m.regionSpatial.Y)),
		Z: clampRegionCoord(math.Floor(rel.Z / m.regionSpatial.Z)),
	}
}

// VoxelKey maps a world point to its voxel key. The local coordinate is
// clamped into the region so floating point error at a region boundary can
// never produce an out-of-range key.
func (m *OccupancyMap) VoxelKey(point r3.Vec) Key {
	region := m.RegionKeyFor(point)
	minCorner := m.RegionMinGlobal(region)
	key := Key{Region: region}
	for axis := 0; axis < 3; axis++ {
		v := int(math.Floor((vecAxis(point, axis) - vecAxis(minCorner, axis)) / m.resolution))
		if v < 0 {
			v = 0
		} else if v >= int(m.regionDims[axis]) {
			v = int(m.regionDims[axis]) - 1
		}
		key.Local[axis] = uint8(v)
	}
	return key
}

// RegionMinGlobal returns the minimum (corner) extent of a region.
func (m *OccupancyMap) RegionMinGlobal(region RegionKey) r3.Vec {
	return r3.Vec{
		X: m.origin.X + float64(region.X)*m.regionSpatial.X,
		Y: m.origin.Y + float64(region.Y)*m.regionSpatial.Y,
		Z: m.origin.Z + float64(region.Z)*m.regionSpatial.Z,
	}
}

// RegionCentreGlobal returns the world-space centre of a region.
func (m *OccupancyMap) RegionCentreGlobal(region RegionKey) r3.Vec {
	return r3.Add(m.RegionMinGlobal(region), r3.Scale(0.5, m.regionSpatial))
}

// VoxelCentreGlobal returns the world-space centre of the voxel at key.
func (m *OccupancyMap) VoxelCentreGlobal(key Key) r3.Vec {
	minCorner := m.RegionMinGlobal(key.Region)
	return r3.Vec{
		X: minCorner.X + (float64(key.Local[0])+0.5)*m.resolution,
		Y: minCorner.Y + (float64(key.Local[1])+0.5)*m.resolution,
		Z: minCorner.Z + (float64(key.Local[2])+0.5)*m.resolution,
	}
}

// StepKey advances key one voxel along axis, carrying across the region
// boundary. Steps that would take the region coordinate outside the int16
// range saturate: the key is returned unchanged rather than wrapping.
func (m *OccupancyMap) StepKey(key Key, axis, dir int) Key {
	local := int(key.Local[axis]) + dir
	region := int(key.Region.Axis(axis))

	if local < 0 {
		region--
		local = int(m.regionDims[axis]) - 1
	} else if local >= int(m.regionDims[axis]) {
		region++
		local = 0
	}

	if region < math.MinInt16 || region > math.MaxInt16 {
		return key
	}

	key.Local[axis] = uint8(local)
	key.Region.setAxis(axis, int16(region))
	return key
}

// MoveKey translates key by a voxel delta along each axis, carrying across
// region boundaries. Saturates at the region coordinate range like StepKey.
func (m *OccupancyMap) MoveKey(key Key, x, y, z int) Key {
	for axis, delta := range [3]int{x, y, z} {
		if delta == 0 {
			continue
		}
		dim := int(m.regionDims[axis])
		v := int(key.Region.Axis(axis))*dim + int(key.Local[axis]) + delta
		region := v / dim
		local := v % dim
		if local < 0 {
			region--
			local += dim
		}
		if region < math.MinInt16 {
			region, local = math.MinInt16, 0
		} else if region > math.MaxInt16 {
			region, local = math.MaxInt16, dim-1
		}
		key.Region.setAxis(axis, int16(region))
		key.Local[axis] = uint8(local)
	}
	return key
}

// RangeBetween returns the signed voxel delta from one key to another.
func (m *OccupancyMap) RangeBetween(from, to Key) [3]int {
	var diff [3]int
	for axis := 0; axis < 3; axis++ {
		regionDiff := int(to.Region.Axis(axis)) - int(from.Region.Axis(axis))
		diff[axis] = int(to.Local[axis]) - int(from.Local[axis]) + regionDiff*int(m.regionDims[axis])
	}
	return diff
}

// voxelIndex returns the linear index of a key's local coordinate within its
// chunk's voxel buffers.
func (m *OccupancyMap) voxelIndex(key Key) int {
	return int(key.Local[0]) +
		int(key.Local[1])*int(m.regionDims[0]) +
		int(key.Local[2])*int(m.regionDims[0])*int(m.regionDims[1])
}
