package occmap

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Voxel and region line walks, after "A Faster Voxel Traversal Algorithm for
// Ray Tracing" by Amanatides & Woo.

// WalkSegmentKeys visits, in order, the key of every voxel the segment from
// start to end intersects. The end voxel is visited only when includeEnd is
// set; a zero-length segment yields just the end voxel (subject to
// includeEnd). Stops early if visit returns false. Returns the number of
// keys visited.
func (m *OccupancyMap) WalkSegmentKeys(start, end r3.Vec, includeEnd bool, visit func(Key) bool) int {
	startKey := m.VoxelKey(start)
	endKey := m.VoxelKey(end)

	if startKey == endKey {
		if includeEnd {
			visit(endKey)
			return 1
		}
		return 0
	}

	direction := r3.Sub(end, start)
	length := r3.Norm(direction)
	direction = r3.Scale(1.0/length, direction)

	var step [3]int
	var timeMax, timeDelta [3]float64
	centre := m.VoxelCentreGlobal(startKey)
	for axis := 0; axis < 3; axis++ {
		d := vecAxis(direction, axis)
		if d != 0 {
			if d > 0 {
				step[axis] = 1
			} else {
				step[axis] = -1
			}
			timeDelta[axis] = m.resolution / math.Abs(d)
			nextBoundary := vecAxis(centre, axis) + float64(step[axis])*0.5*m.resolution
			timeMax[axis] = (nextBoundary - vecAxis(start, axis)) / d
		} else {
			timeMax[axis] = math.MaxFloat64
			timeDelta[axis] = math.MaxFloat64
		}
	}

	count := 0
	current := startKey
	for current != endKey {
		if !visit(current) {
			return count
		}
		count++

		axis := 2
		if timeMax[0] < timeMax[2] {
			if timeMax[0] < timeMax[1] {
				axis = 0
			} else {
				axis = 1
			}
		} else if timeMax[1] < timeMax[2] {
			axis = 1
		}

		if timeMax[axis] > length {
			// Walked the full segment without landing exactly on the end
			// key; floating point error on a boundary-aligned segment.
			break
		}
		next := m.StepKey(current, axis, step[axis])
		if next == current {
			// Saturated at the key range limit.
			break
		}
		current = next
		timeMax[axis] += timeDelta[axis]
	}

	if includeEnd {
		visit(endKey)
		count++
	}
	return count
}

// WalkRegions visits each region the segment intersects exactly once, the
// start region first and the end region last. A zero-length segment yields a
// single region. Stops early if visit returns false. Returns the number of
// regions visited.
func (m *OccupancyMap) WalkRegions(start, end r3.Vec, visit func(RegionKey) bool) int {
	startRegion := m.RegionKeyFor(start)
	endRegion := m.RegionKeyFor(end)

	if startRegion == endRegion {
		visit(startRegion)
		return 1
	}

	direction := r3.Sub(end, start)
	length := r3.Norm(direction)
	direction = r3.Scale(1.0/length, direction)

	var step [3]int
	var timeMax, timeDelta, timeLimit [3]float64
	centre := m.RegionCentreGlobal(startRegion)
	for axis := 0; axis < 3; axis++ {
		d := vecAxis(direction, axis)
		if d != 0 {
			if d > 0 {
				step[axis] = 1
			} else {
				step[axis] = -1
			}
			extent := vecAxis(m.regionSpatial, axis)
			timeDelta[axis] = extent / math.Abs(d)
			nextBorder := vecAxis(centre, axis) + float64(step[axis])*0.5*extent
			timeMax[axis] = (nextBorder - vecAxis(start, axis)) / d
			timeLimit[axis] = math.Abs((vecAxis(end, axis) - vecAxis(start, axis)) / d)
		} else {
			timeMax[axis] = math.MaxFloat64
			timeDelta[axis] = math.MaxFloat64
			timeLimit[axis] = 0
		}
	}

	count := 0
	current := [3]int{int(startRegion.X), int(startRegion.Y), int(startRegion.Z)}
	target := [3]int{int(endRegion.X), int(endRegion.Y), int(endRegion.Z)}
	limitReached := false
	for !limitReached && current != target {
		if !visit(RegionKey{int16(current[0]), int16(current[1]), int16(current[2])}) {
			return count
		}
		count++

		axis := 2
		if timeMax[0] < timeMax[2] {
			if timeMax[0] < timeMax[1] {
				axis = 0
			} else {
				axis = 1
			}
		} else if timeMax[1] < timeMax[2] {
			axis = 1
		}

		limitReached = math.Abs(timeMax[axis]) > timeLimit[axis]
		current[axis] += step[axis]
		if current[axis] < math.MinInt16 || current[axis] > math.MaxInt16 {
			return count
		}
		timeMax[axis] += timeDelta[axis]
	}

	visit(RegionKey{int16(current[0]), int16(current[1]), int16(current[2])})
	return count + 1
}
