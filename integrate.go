package occmap

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// RayFlag adjusts how IntegrateRays updates the voxels along each ray.
type RayFlag uint32

const (
	RayFlagNone RayFlag = 0
	// RayFlagExcludeRay integrates only the sample voxels, skipping the free
	// space walk.
	RayFlagExcludeRay RayFlag = 1 << iota
	// RayFlagExcludeSample integrates only the free space walk (erosion).
	RayFlagExcludeSample
	// RayFlagClearOnly applies misses only to voxels that are already
	// occupied.
	RayFlagClearOnly
	// RayFlagStopOnFirstOccupied stops each ray at the first occupied voxel
	// encountered, after applying a miss there. The sample voxel is not
	// updated.
	RayFlagStopOnFirstOccupied
	// RayFlagEndPointAsFree applies a miss, not a hit, at the sample voxel.
	RayFlagEndPointAsFree
)

// IntegrateRays walks each (origin, sample) pair through the map, applying
// miss updates along the ray and a hit update at the sample voxel. rays holds
// 2N points: origin, sample, origin, sample, ...
//
// The map's ray filter runs first for each ray; rejected rays are skipped
// silently and counted. A ray whose sample was clipped by the filter receives
// a miss at its shortened end voxel instead of a hit.
func (m *OccupancyMap) IntegrateRays(rays []r3.Vec, flags RayFlag) {
	var cache ChunkCache

	for i := 0; i+1 < len(rays); i += 2 {
		start, end := rays[i], rays[i+1]
		var filterFlags FilterFlags
		if m.rayFilter != nil {
			if !m.rayFilter(&start, &end, &filterFlags) {
				m.countBadRay()
				continue
			}
		}
		clippedSample := filterFlags&FilterClippedEnd != 0

		stopped := false
		if flags&RayFlagExcludeRay == 0 {
			// When the sample is clipped the walk covers the end voxel too:
			// everything along the ray is free space.
			m.WalkSegmentKeys(start, end, clippedSample, func(key Key) bool {
				voxel := m.Voxel(key, true, &cache)
				value := voxel.Value()

				stopHere := flags&RayFlagStopOnFirstOccupied != 0 && m.IsOccupied(value)
				if flags&RayFlagClearOnly == 0 || m.IsOccupied(value) {
					voxel.SetValue(m.missUpdate(value))
				}
				if stopHere {
					stopped = true
					return false
				}
				return true
			})
		}

		if stopped || clippedSample || flags&RayFlagExcludeSample != 0 {
			continue
		}

		sampleKey := m.VoxelKey(end)
		if flags&RayFlagEndPointAsFree != 0 {
			voxel := m.Voxel(sampleKey, true, &cache)
			voxel.SetValue(m.missUpdate(voxel.Value()))
			continue
		}
		m.integrateHit(sampleKey, start, end, &cache)
	}
}

// IntegrateHit applies a single hit update, plus the enabled auxiliary layer
// updates, at the voxel containing point. origin supplies the incident ray
// direction for the normal layer; pass the point itself when unknown.
func (m *OccupancyMap) IntegrateHit(point, origin r3.Vec) Voxel {
	var cache ChunkCache
	return m.integrateHit(m.VoxelKey(point), origin, point, &cache)
}

// IntegrateHitKey applies a hit at a specific key. point refines the
// sub-voxel and mean layers and should lie inside the keyed voxel.
func (m *OccupancyMap) IntegrateHitKey(key Key, point r3.Vec) Voxel {
	var cache ChunkCache
	return m.integrateHit(key, point, point, &cache)
}

func (m *OccupancyMap) integrateHit(key Key, origin, sample r3.Vec, cache *ChunkCache) Voxel {
	voxel := m.Voxel(key, true, cache)
	voxel.SetValue(m.hitUpdate(voxel.Value()))

	centre := m.VoxelCentreGlobal(key)
	offset := r3.Sub(sample, centre)

	layout := m.layout
	if layout.HasSubVoxel() {
		occ := layout.Layer(layout.OccupancyLayer())
		mi := occ.MemberIndex(MemberSubVoxel)
		pattern := voxel.member(occ.Index(), mi)
		voxel.setMember(occ.Index(), mi, subVoxelUpdate(pattern, offset, m.resolution, m.subVoxelWeight))
	}

	var count uint32
	if meanIdx := layout.MeanLayer(); meanIdx >= 0 {
		count = voxel.member(meanIdx, 3)
		w := 1.0 / float64(count+1)
		for axis := 0; axis < 3; axis++ {
			old := float64(math.Float32frombits(voxel.member(meanIdx, axis)))
			mixed := old + (vecAxis(offset, axis)-old)*w
			voxel.setMember(meanIdx, axis, math.Float32bits(float32(mixed)))
		}
		count++
		voxel.setMember(meanIdx, 3, count)
	}

	if normalIdx := layout.NormalLayer(); normalIdx >= 0 {
		incident := r3.Sub(origin, sample)
		if r3.Norm2(incident) > 0 {
			packed := voxel.member(normalIdx, 0)
			prior := count
			if prior > 0 {
				prior--
			}
			voxel.setMember(normalIdx, 0, updateIncidentNormal(packed, incident, prior))
		}
	}

	return voxel
}

// VoxelPosition returns the best known position for the voxel at key: the
// mean layer position when present, else the packed sub-voxel position, else
// the voxel centre. The second result is false when the voxel is unobserved.
func (m *OccupancyMap) VoxelPosition(key Key) (r3.Vec, bool) {
	voxel := m.Voxel(key, false, nil)
	if voxel.IsNull() || voxel.Value() == SentinelValue() {
		return r3.Vec{}, false
	}
	centre := m.VoxelCentreGlobal(key)
	if meanIdx := m.layout.MeanLayer(); meanIdx >= 0 && voxel.member(meanIdx, 3) > 0 {
		return r3.Add(centre, r3.Vec{
			X: float64(math.Float32frombits(voxel.member(meanIdx, 0))),
			Y: float64(math.Float32frombits(voxel.member(meanIdx, 1))),
			Z: float64(math.Float32frombits(voxel.member(meanIdx, 2))),
		}), true
	}
	if m.layout.HasSubVoxel() {
		occ := m.layout.Layer(m.layout.OccupancyLayer())
		pattern := voxel.member(occ.Index(), occ.MemberIndex(MemberSubVoxel))
		if offset, ok := SubVoxelUnpack(pattern); ok {
			return r3.Add(centre, r3.Scale(m.resolution, offset)), true
		}
	}
	return centre, true
}

// VoxelNormal returns the decoded incident normal at key when the normal
// layer is enabled and the voxel has one.
func (m *OccupancyMap) VoxelNormal(key Key) (r3.Vec, bool) {
	normalIdx := m.layout.NormalLayer()
	if normalIdx < 0 {
		return r3.Vec{}, false
	}
	voxel := m.Voxel(key, false, nil)
	if voxel.IsNull() {
		return r3.Vec{}, false
	}
	packed := voxel.member(normalIdx, 0)
	if packed == 0 {
		return r3.Vec{}, false
	}
	return DecodeNormal(packed), true
}
