package occmap

import "gonum.org/v1/gonum/spatial/r3"

// regionCullFunc decides whether a chunk should be removed.
type regionCullFunc func(chunk *MapChunk) bool

// ExpireRegions removes every region whose touched time is before timestamp.
// Returns the number of regions removed.
func (m *OccupancyMap) ExpireRegions(timestamp float64) int {
	return m.cullRegions(func(chunk *MapChunk) bool {
		return chunk.touchedTime < timestamp
	})
}

// RemoveDistanceRegions removes regions whose centre lies at or beyond
// distance from relativeTo.
func (m *OccupancyMap) RemoveDistanceRegions(relativeTo r3.Vec, distance float64) int {
	distSq := distance * distance
	return m.cullRegions(func(chunk *MapChunk) bool {
		sep := r3.Sub(m.RegionCentreGlobal(chunk.region), relativeTo)
		return r3.Norm2(sep) >= distSq
	})
}

// CullRegionsOutside removes regions whose AABB does not overlap box.
// Subsequent writes into a culled area create fresh chunks with default
// values.
func (m *OccupancyMap) CullRegionsOutside(box Aabb) int {
	return m.cullRegions(func(chunk *MapChunk) bool {
		return !box.Overlaps(m.regionAabb(chunk.region))
	})
}

func (m *OccupancyMap) cullRegions(cull regionCullFunc) int {
	m.mu.Lock()
	var removed []RegionKey
	for region, chunk := range m.chunks {
		if cull(chunk) {
			removed = append(removed, region)
		}
	}
	for _, region := range removed {
		delete(m.chunks, region)
	}
	m.mu.Unlock()

	// Drop device pages after releasing the map lock; Remove waits on each
	// page's last event.
	if m.gpuCache != nil {
		for _, region := range removed {
			m.gpuCache.Remove(region)
		}
	}
	return len(removed)
}
