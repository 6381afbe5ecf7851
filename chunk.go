package occmap

import (
	"encoding/binary"
	"math"
)

// MapChunk holds the voxel data for one populated region: one owned byte
// buffer per layout layer plus bookkeeping used by the GPU cache and culling.
type MapChunk struct {
	region RegionKey

	// layers[i] is the byte buffer for layout layer i, regionVolume records
	// of that layer's per-voxel size.
	layers [][]byte

	// touchedStamps[i] is the map stamp at which layer i last changed.
	touchedStamps []uint64
	// dirtyStamp is the map stamp of the most recent semantic change to any
	// layer of this chunk.
	dirtyStamp uint64
	// touchedTime is a caller-supplied timestamp (typically sensor time) used
	// by ExpireRegions.
	touchedTime float64

	// firstValidIndex is the smallest linear voxel index whose occupancy is
	// not the unobserved sentinel, or the region volume when every voxel is
	// unobserved.
	firstValidIndex int

	flags uint32
}

func newChunk(region RegionKey, layout *MapLayout, regionVolume int) *MapChunk {
	chunk := &MapChunk{
		region:          region,
		layers:          make([][]byte, layout.LayerCount()),
		touchedStamps:   make([]uint64, layout.LayerCount()),
		firstValidIndex: regionVolume,
	}
	for _, layer := range layout.layers {
		chunk.layers[layer.index] = layer.allocate(regionVolume)
	}
	return chunk
}

func (c *MapChunk) Region() RegionKey { return c.region }

// LayerBytes exposes the raw buffer for one layer. The buffer is owned by the
// chunk; respect the map lock discipline when mutating it.
func (c *MapChunk) LayerBytes(layerIndex int) []byte { return c.layers[layerIndex] }

func (c *MapChunk) DirtyStamp() uint64              { return c.dirtyStamp }
func (c *MapChunk) TouchedStamp(layer int) uint64   { return c.touchedStamps[layer] }
func (c *MapChunk) TouchedTime() float64            { return c.touchedTime }
func (c *MapChunk) FirstValidIndex() int            { return c.firstValidIndex }

// stamp records a semantic change to one layer of this chunk.
func (c *MapChunk) stamp(layer int, mapStamp uint64) {
	c.touchedStamps[layer] = mapStamp
	c.dirtyStamp = mapStamp
}

// MarkTouched records an externally applied change (e.g. a device kernel) to
// one layer of this chunk.
func (c *MapChunk) MarkTouched(layer int, mapStamp uint64) {
	c.stamp(layer, mapStamp)
}

// occupancyAt reads the occupancy value at a linear voxel index, given the
// occupancy layer's record stride in bytes.
func (c *MapChunk) occupancyAt(layerIndex, stride, voxelIndex int) float32 {
	buf := c.layers[layerIndex]
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[voxelIndex*stride:]))
}

// noteValid lowers the first-valid hint after a write at voxelIndex.
func (c *MapChunk) noteValid(voxelIndex int) {
	if voxelIndex < c.firstValidIndex {
		c.firstValidIndex = voxelIndex
	}
}

// RecomputeFirstValid rescans chunk's occupancy layer to restore the
// first-valid hint after a bulk write that bypassed per-voxel tracking,
// such as a device page sync.
func (m *OccupancyMap) RecomputeFirstValid(chunk *MapChunk) {
	layer := m.layout.OccupancyLayer()
	chunk.searchFirstValid(layer, m.layout.Layer(layer).VoxelByteSize(), m.RegionVoxelVolume())
}

// searchFirstValid recomputes the first-valid hint by scanning the occupancy
// layer. Used after bulk writes (GPU sync-back, deserialisation) where
// per-voxel tracking wasn't possible.
func (c *MapChunk) searchFirstValid(layerIndex, stride, regionVolume int) {
	sentinel := float32(math.Inf(1))
	for i := 0; i < regionVolume; i++ {
		if c.occupancyAt(layerIndex, stride, i) != sentinel {
			c.firstValidIndex = i
			return
		}
	}
	c.firstValidIndex = regionVolume
}
