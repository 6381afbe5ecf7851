package occmap

import "gonum.org/v1/gonum/spatial/r3"

// Aabb is an axis-aligned bounding box.
type Aabb struct {
	Min, Max r3.Vec
}

func (a Aabb) Overlaps(b Aabb) bool {
	return a.Min.X <= b.Max.X && b.Min.X <= a.Max.X &&
		a.Min.Y <= b.Max.Y && b.Min.Y <= a.Max.Y &&
		a.Min.Z <= b.Max.Z && b.Min.Z <= a.Max.Z
}

func (a Aabb) Contains(p r3.Vec) bool {
	return a.Min.X <= p.X && p.X <= a.Max.X &&
		a.Min.Y <= p.Y && p.Y <= a.Max.Y &&
		a.Min.Z <= p.Z && p.Z <= a.Max.Z
}
