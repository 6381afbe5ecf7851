package occmap

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// FilterFlags reports what a ray filter did to a ray.
type FilterFlags uint32

const (
	// FilterClippedStart is set when the ray origin was moved.
	FilterClippedStart FilterFlags = 1 << iota
	// FilterClippedEnd is set when the sample point was moved. A clipped
	// sample no longer represents a surface and receives no hit update.
	FilterClippedEnd
)

// RayFilterFunc may rewrite a ray before integration. Returning false
// rejects the ray outright.
type RayFilterFunc func(start, end *r3.Vec, flags *FilterFlags) bool

func (m *OccupancyMap) SetRayFilter(filter RayFilterFunc) { m.rayFilter = filter }
func (m *OccupancyMap) RayFilter() RayFilterFunc          { return m.rayFilter }
func (m *OccupancyMap) ClearRayFilter()                   { m.rayFilter = nil }

func vecHasNaN(v r3.Vec) bool {
	return math.IsNaN(v.X) || math.IsNaN(v.Y) || math.IsNaN(v.Z)
}

// GoodRayFilter rejects rays with NaN end points or length beyond maxRange.
// This is the default map filter.
func GoodRayFilter(maxRange float64) RayFilterFunc {
	maxRangeSq := maxRange * maxRange
	return func(start, end *r3.Vec, flags *FilterFlags) bool {
		if vecHasNaN(*start) || vecHasNaN(*end) {
			return false
		}
		if maxRange > 0 && r3.Norm2(r3.Sub(*end, *start)) > maxRangeSq {
			return false
		}
		return true
	}
}

// ClipRangeFilter shortens rays longer than maxLength down to maxLength,
// marking the sample clipped so it is treated as free space, not a surface.
func ClipRangeFilter(maxLength float64) RayFilterFunc {
	return func(start, end *r3.Vec, flags *FilterFlags) bool {
		ray := r3.Sub(*end, *start)
		length := r3.Norm(ray)
		if length <= maxLength {
			return true
		}
		*end = r3.Add(*start, r3.Scale(maxLength/length, ray))
		*flags |= FilterClippedEnd
		return true
	}
}

// ClipNearFilter rejects rays whose sample lies within nearRange of the
// origin, a cheap guard against self strikes.
func ClipNearFilter(nearRange float64) RayFilterFunc {
	nearSq := nearRange * nearRange
	return func(start, end *r3.Vec, flags *FilterFlags) bool {
		return r3.Norm2(r3.Sub(*end, *start)) >= nearSq
	}
}

// ClipBoxFilter rejects rays entirely outside box and clips rays that cross
// its boundary, flagging clipped end points.
func ClipBoxFilter(box Aabb) RayFilterFunc {
	return func(start, end *r3.Vec, flags *FilterFlags) bool {
		tmin, tmax := 0.0, 1.0
		dir := r3.Sub(*end, *start)
		for axis := 0; axis < 3; axis++ {
			o, d := vecAxis(*start, axis), vecAxis(dir, axis)
			lo, hi := vecAxis(box.Min, axis), vecAxis(box.Max, axis)
			if d == 0 {
				if o < lo || o > hi {
					return false
				}
				continue
			}
			t0, t1 := (lo-o)/d, (hi-o)/d
			if t0 > t1 {
				t0, t1 = t1, t0
			}
			tmin = math.Max(tmin, t0)
			tmax = math.Min(tmax, t1)
			if tmin > tmax {
				return false
			}
		}
		if tmax < 1 {
			*end = r3.Add(*start, r3.Scale(tmax, dir))
			*flags |= FilterClippedEnd
		}
		if tmin > 0 {
			*start = r3.Add(*start, r3.Scale(tmin, dir))
			*flags |= FilterClippedStart
		}
		return true
	}
}

// ChainFilters runs filters in order, stopping at the first rejection.
func ChainFilters(filters ...RayFilterFunc) RayFilterFunc {
	return func(start, end *r3.Vec, flags *FilterFlags) bool {
		for _, f := range filters {
			if !f(start, end, flags) {
				return false
			}
		}
		return true
	}
}
