package occmap

import (
	"encoding/binary"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// ChunkCache is a single-slot memo of the most recently resolved chunk,
// avoiding the map lock for runs of voxel lookups that stay within one
// region (the common case when walking a ray).
type ChunkCache struct {
	region RegionKey
	chunk  *MapChunk
}

func (c *ChunkCache) lookup(region RegionKey) *MapChunk {
	if c.chunk != nil && c.region == region {
		return c.chunk
	}
	return nil
}

func (c *ChunkCache) push(region RegionKey, chunk *MapChunk) {
	c.region = region
	c.chunk = chunk
}

// Voxel is a lightweight handle on one voxel: (chunk, local index), never a
// raw pointer into chunk memory. The zero Voxel is null.
type Voxel struct {
	m     *OccupancyMap
	chunk *MapChunk
	key   Key
	idx   int
}

// Voxel resolves a key to a voxel handle. With create set, the containing
// chunk is allocated on miss; otherwise a missing chunk yields a null handle.
// An optional ChunkCache short-circuits repeat lookups in the same region.
func (m *OccupancyMap) Voxel(key Key, create bool, cache *ChunkCache) Voxel {
	if key.IsNull() {
		return Voxel{}
	}
	var chunk *MapChunk
	if cache != nil {
		chunk = cache.lookup(key.Region)
	}
	if chunk == nil {
		chunk = m.Region(key.Region, create)
		if chunk == nil {
			return Voxel{}
		}
		if cache != nil {
			cache.push(key.Region, chunk)
		}
	}
	return Voxel{m: m, chunk: chunk, key: key, idx: m.voxelIndex(key)}
}

func (v Voxel) IsNull() bool { return v.chunk == nil }
func (v Voxel) Key() Key     { return v.key }

// CentreGlobal returns the world-space centre of this voxel.
func (v Voxel) CentreGlobal() r3.Vec {
	return v.m.VoxelCentreGlobal(v.key)
}

// Value reads the occupancy value, the sentinel for a null handle.
func (v Voxel) Value() float32 {
	if v.chunk == nil {
		return SentinelValue()
	}
	layer := v.m.layout.OccupancyLayer()
	stride := v.m.layout.Layer(layer).VoxelByteSize()
	return v.chunk.occupancyAt(layer, stride, v.idx)
}

// SetValue stores an occupancy value, maintaining the chunk's first-valid
// hint and stamping the chunk and map. The value is stored as given; use the
// integrate functions for clamped probabilistic updates.
func (v Voxel) SetValue(value float32) {
	if v.chunk == nil {
		return
	}
	layer := v.m.layout.OccupancyLayer()
	stride := v.m.layout.Layer(layer).VoxelByteSize()
	buf := v.chunk.layers[layer]
	binary.LittleEndian.PutUint32(buf[v.idx*stride:], math.Float32bits(value))
	if value != SentinelValue() {
		v.chunk.noteValid(v.idx)
	}
	v.chunk.stamp(layer, v.m.Touch())
}

// member reads a 4-byte member of an arbitrary layer at this voxel.
func (v Voxel) member(layerIndex, memberIndex int) uint32 {
	stride := v.m.layout.Layer(layerIndex).VoxelByteSize()
	buf := v.chunk.layers[layerIndex]
	return binary.LittleEndian.Uint32(buf[v.idx*stride+memberIndex*memberSize:])
}

func (v Voxel) setMember(layerIndex, memberIndex int, bits uint32) {
	stride := v.m.layout.Layer(layerIndex).VoxelByteSize()
	buf := v.chunk.layers[layerIndex]
	binary.LittleEndian.PutUint32(buf[v.idx*stride+memberIndex*memberSize:], bits)
	v.chunk.stamp(layerIndex, v.m.Touch())
}
