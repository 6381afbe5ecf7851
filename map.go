package occmap

import (
	"errors"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
)

// MapFlag selects optional map features at construction time.
type MapFlag uint32

const (
	MapFlagNone MapFlag = 0
	// MapFlagVoxelMean adds a mean-sample-position layer.
	MapFlagVoxelMean MapFlag = 1 << iota
	// MapFlagSubVoxelPosition packs a sub-voxel mean position into the
	// occupancy layer.
	MapFlagSubVoxelPosition
	// MapFlagIncidentNormal adds a packed incident-normal layer.
	MapFlagIncidentNormal
	// MapFlagCompressed lz4-compresses chunk layers when serialising.
	MapFlagCompressed
)

var (
	ErrInvalidKey     = errors.New("invalid voxel key")
	ErrNoSuchRegion   = errors.New("no such region")
	ErrLayoutMismatch = errors.New("layout mismatch")
)

// RegionCache is the interface the map uses to keep an attached device-side
// region cache coherent across structural changes. Implemented by
// gpumap.Cache.
type RegionCache interface {
	Remove(RegionKey)
	Clear()
	SyncToHost() error
	Reinitialise() error
}

const (
	defaultRegionDim  = 32
	defaultMinValue   = -2.0
	defaultMaxValue   = 3.511
	defaultSubVoxelW  = 0.3
	defaultMaxRange   = 1e10
	defaultHitProb    = 0.7
	defaultMissProb   = 0.4
	defaultThreshProb = 0.5
)

// OccupancyMap is a sparse, chunked, probabilistic 3D voxel occupancy map.
//
// Structural access to the chunk table is guarded by one map-wide lock.
// Individual chunk buffers are written without locks; when a GPU cache is
// attached, the batch-guarded eviction policy ensures only one in-flight
// kernel ever references a chunk's device page.
type OccupancyMap struct {
	mu sync.Mutex

	resolution    float64
	regionDims    [3]uint8
	regionSpatial r3.Vec
	origin        r3.Vec
	flags         MapFlag

	layout *MapLayout
	chunks map[RegionKey]*MapChunk

	// stamp increments on every semantic change.
	stamp uint64

	hitValue    float32
	hitProb     float32
	missValue   float32
	missProb    float32
	minValue    float32
	maxValue    float32
	threshValue float32
	threshProb  float32
	saturateMin bool
	saturateMax bool

	subVoxelWeight float64

	rayFilter   RayFilterFunc
	badRayCount uint64

	gpuCache RegionCache
}

// NewMap constructs a map with the given voxel edge length in metres. Zero
// components of regionDims fall back to the 32-voxel default.
func NewMap(resolution float64, regionDims [3]uint8, flags MapFlag) *OccupancyMap {
	for i := range regionDims {
		if regionDims[i] == 0 {
			regionDims[i] = defaultRegionDim
		}
	}
	m := &OccupancyMap{
		resolution: resolution,
		regionDims: regionDims,
		regionSpatial: r3.Vec{
			X: float64(regionDims[0]) * resolution,
			Y: float64(regionDims[1]) * resolution,
			Z: float64(regionDims[2]) * resolution,
		},
		flags:          flags,
		layout:         defaultLayout(flags),
		chunks:         make(map[RegionKey]*MapChunk),
		minValue:       defaultMinValue,
		maxValue:       defaultMaxValue,
		subVoxelWeight: defaultSubVoxelW,
	}
	m.SetHitProbability(defaultHitProb)
	m.SetMissProbability(defaultMissProb)
	m.SetOccupancyThresholdProbability(defaultThreshProb)
	m.rayFilter = GoodRayFilter(defaultMaxRange)
	return m
}

func (m *OccupancyMap) Resolution() float64           { return m.resolution }
func (m *OccupancyMap) Origin() r3.Vec                { return m.origin }
func (m *OccupancyMap) SetOrigin(origin r3.Vec)       { m.origin = origin }
func (m *OccupancyMap) Flags() MapFlag                { return m.flags }
func (m *OccupancyMap) Layout() *MapLayout            { return m.layout }
func (m *OccupancyMap) RegionVoxelDims() [3]uint8     { return m.regionDims }
func (m *OccupancyMap) RegionSpatialDims() r3.Vec     { return m.regionSpatial }

// RegionVoxelVolume is the voxel count of one region.
func (m *OccupancyMap) RegionVoxelVolume() int {
	return int(m.regionDims[0]) * int(m.regionDims[1]) * int(m.regionDims[2])
}

// Stamp returns the monotonic change stamp.
func (m *OccupancyMap) Stamp() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stamp
}

// Touch bumps the change stamp and returns the new value.
func (m *OccupancyMap) Touch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp++
	return m.stamp
}

// SetRegionCache attaches (or detaches, with nil) a device-side region cache.
func (m *OccupancyMap) SetRegionCache(cache RegionCache) { m.gpuCache = cache }
func (m *OccupancyMap) RegionCache() RegionCache         { return m.gpuCache }

// Region returns the chunk for a region, creating it when create is set.
// Freshly created chunks have every layer set to its clear value.
func (m *OccupancyMap) Region(region RegionKey, create bool) *MapChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regionLocked(region, create)
}

func (m *OccupancyMap) regionLocked(region RegionKey, create bool) *MapChunk {
	if chunk, ok := m.chunks[region]; ok {
		return chunk
	}
	if !create {
		return nil
	}
	chunk := newChunk(region, m.layout, m.RegionVoxelVolume())
	m.chunks[region] = chunk
	// Creating an empty chunk doesn't change map semantics; the stamp moves
	// when a voxel value does.
	return chunk
}

// CheckKey validates a key against the map's region dimensions.
func (m *OccupancyMap) CheckKey(key Key) error {
	if key.IsNull() {
		return ErrInvalidKey
	}
	for axis := 0; axis < 3; axis++ {
		if key.Local[axis] >= m.regionDims[axis] {
			return ErrInvalidKey
		}
	}
	return nil
}

// RegionChunk is the erroring variant of Region for callers that need to
// distinguish a missing region without creating it.
func (m *OccupancyMap) RegionChunk(region RegionKey) (*MapChunk, error) {
	if chunk := m.Region(region, false); chunk != nil {
		return chunk, nil
	}
	return nil, ErrNoSuchRegion
}

// RegionCount returns the number of populated regions.
func (m *OccupancyMap) RegionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks)
}

// RegionKeys snapshots the populated region keys.
func (m *OccupancyMap) RegionKeys() []RegionKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]RegionKey, 0, len(m.chunks))
	for k := range m.chunks {
		keys = append(keys, k)
	}
	return keys
}

// TouchRegionTime sets the wall-clock/sensor touch time on a region, used by
// ExpireRegions.
func (m *OccupancyMap) TouchRegionTime(region RegionKey, timestamp float64, create bool) {
	if chunk := m.Region(region, create); chunk != nil {
		chunk.touchedTime = timestamp
	}
}

// Value reads the occupancy value at key, returning the unobserved sentinel
// when the voxel's region has never been touched.
func (m *OccupancyMap) Value(key Key) float32 {
	v := m.Voxel(key, false, nil)
	if v.IsNull() {
		return SentinelValue()
	}
	return v.Value()
}

// Clear removes every chunk. Settings, layout and the change stamp are kept.
// An attached GPU cache stays attached and drops all its residency.
func (m *OccupancyMap) Clear() {
	m.mu.Lock()
	m.chunks = make(map[RegionKey]*MapChunk)
	m.mu.Unlock()
	if m.gpuCache != nil {
		m.gpuCache.Clear()
	}
}

// Walk visits every voxel of every chunk, starting each chunk at its
// first-valid hint. Return false from fn to stop. The chunk set is
// snapshotted up front; values are read live.
func (m *OccupancyMap) Walk(fn func(key Key, value float32) bool) {
	m.mu.Lock()
	chunks := make([]*MapChunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		chunks = append(chunks, c)
	}
	occLayer := m.layout.OccupancyLayer()
	stride := m.layout.Layer(occLayer).VoxelByteSize()
	m.mu.Unlock()

	volume := m.RegionVoxelVolume()
	for _, chunk := range chunks {
		for idx := chunk.firstValidIndex; idx < volume; idx++ {
			key := Key{Region: chunk.region, Local: m.localFromIndex(idx)}
			if !fn(key, chunk.occupancyAt(occLayer, stride, idx)) {
				return
			}
		}
	}
}

func (m *OccupancyMap) localFromIndex(idx int) [3]uint8 {
	dx, dy := int(m.regionDims[0]), int(m.regionDims[1])
	return [3]uint8{
		uint8(idx % dx),
		uint8((idx / dx) % dy),
		uint8(idx / (dx * dy)),
	}
}

// DirtyRegion pairs a region key with the stamp of its last change.
type DirtyRegion struct {
	Stamp  uint64
	Region RegionKey
}

// CollectDirtyRegions returns regions whose dirty stamp is newer than
// fromStamp, least recently touched first.
func (m *OccupancyMap) CollectDirtyRegions(fromStamp uint64) []DirtyRegion {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dirty []DirtyRegion
	for _, chunk := range m.chunks {
		if chunk.dirtyStamp > fromStamp {
			item := DirtyRegion{Stamp: chunk.dirtyStamp, Region: chunk.region}
			inserted := false
			for i := range dirty {
				if item.Stamp < dirty[i].Stamp {
					dirty = append(dirty[:i], append([]DirtyRegion{item}, dirty[i:]...)...)
					inserted = true
					break
				}
			}
			if !inserted {
				dirty = append(dirty, item)
			}
		}
	}
	return dirty
}

// CalculateDirtyExtents returns the region-coordinate bounds of chunks dirtied
// since fromStamp, and advances fromStamp to the current map stamp. An empty
// result has min > max.
func (m *OccupancyMap) CalculateDirtyExtents(fromStamp *uint64) (minExt, maxExt RegionKey) {
	minExt = RegionKey{math.MaxInt16, math.MaxInt16, math.MaxInt16}
	maxExt = RegionKey{math.MinInt16, math.MinInt16, math.MinInt16}
	m.mu.Lock()
	atStamp := m.stamp
	for _, chunk := range m.chunks {
		if chunk.dirtyStamp > *fromStamp {
			for axis := 0; axis < 3; axis++ {
				if c := chunk.region.Axis(axis); c < minExt.Axis(axis) {
					minExt.setAxis(axis, c)
				}
				if c := chunk.region.Axis(axis); c > maxExt.Axis(axis) {
					maxExt.setAxis(axis, c)
				}
			}
		}
	}
	m.mu.Unlock()
	if minExt.X > maxExt.X {
		minExt = RegionKey{1, 1, 1}
		maxExt = RegionKey{}
	}
	*fromStamp = atStamp
	return minExt, maxExt
}

// Clone copies the whole map.
func (m *OccupancyMap) Clone() *OccupancyMap {
	inf := math.Inf(1)
	return m.CloneExtents(Aabb{Min: r3.Vec{X: -inf, Y: -inf, Z: -inf}, Max: r3.Vec{X: inf, Y: inf, Z: inf}})
}

// CloneExtents copies the map, keeping only chunks whose region AABB overlaps
// ext. The GPU cache is not cloned; sync before cloning if device pages may
// be ahead of host memory.
func (m *OccupancyMap) CloneExtents(ext Aabb) *OccupancyMap {
	clone := NewMap(m.resolution, m.regionDims, m.flags)
	clone.origin = m.origin
	clone.layout = m.layout.Clone()
	clone.hitValue, clone.hitProb = m.hitValue, m.hitProb
	clone.missValue, clone.missProb = m.missValue, m.missProb
	clone.minValue, clone.maxValue = m.minValue, m.maxValue
	clone.threshValue, clone.threshProb = m.threshValue, m.threshProb
	clone.saturateMin, clone.saturateMax = m.saturateMin, m.saturateMax
	clone.subVoxelWeight = m.subVoxelWeight
	clone.rayFilter = m.rayFilter

	m.mu.Lock()
	defer m.mu.Unlock()
	clone.stamp = m.stamp
	for region, src := range m.chunks {
		if !ext.Overlaps(m.regionAabb(region)) {
			continue
		}
		dst := newChunk(region, clone.layout, clone.RegionVoxelVolume())
		dst.firstValidIndex = src.firstValidIndex
		dst.touchedTime = src.touchedTime
		dst.dirtyStamp = src.dirtyStamp
		dst.flags = src.flags
		copy(dst.touchedStamps, src.touchedStamps)
		for i := range src.layers {
			copy(dst.layers[i], src.layers[i])
		}
		clone.chunks[region] = dst
	}
	return clone
}

func (m *OccupancyMap) regionAabb(region RegionKey) Aabb {
	min := m.RegionMinGlobal(region)
	return Aabb{Min: min, Max: r3.Add(min, m.regionSpatial)}
}

// BadRayCount reports how many rays have been silently rejected by filters.
func (m *OccupancyMap) BadRayCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.badRayCount
}

func (m *OccupancyMap) countBadRay() {
	m.mu.Lock()
	m.badRayCount++
	m.mu.Unlock()
}
