package gpumap

import (
	occmap "github.com/voxgrid/occmap"
	"github.com/voxgrid/occmap/gpu"
)

// CacheID names the logical layer caches.
type CacheID int

const (
	CacheOccupancy CacheID = iota
	CacheMean
	CacheCovariance
	CacheClearance
)

// DefaultTargetLayerMem is the per-layer device memory budget used when the
// caller passes zero.
const DefaultTargetLayerMem = 512 * 1024 * 1024

// Cache owns the device, its queue, and one LayerCache per cached map layer.
// It satisfies occmap.RegionCache so the map can keep device residency
// coherent through culls, clears and layout changes.
type Cache struct {
	m         *occmap.OccupancyMap
	dev       *gpu.Device
	queue     *gpu.Queue
	targetMem int
	mappable  bool
	layers    map[CacheID]*LayerCache
}

// EnableGpu attaches a device-side region cache to the map, creating the
// compute device and its queue. Calling it again returns the existing cache.
// targetLayerMem is a soft device memory budget distributed across the known
// layers in proportion to their per-chunk byte cost.
func EnableGpu(m *occmap.OccupancyMap, targetLayerMem int, mappableBuffers bool) (*Cache, error) {
	if existing, ok := m.RegionCache().(*Cache); ok && existing != nil {
		return existing, nil
	}
	if targetLayerMem == 0 {
		targetLayerMem = DefaultTargetLayerMem
	}
	dev, err := gpu.NewDevice()
	if err != nil {
		return nil, err
	}
	cache := &Cache{
		m:         m,
		dev:       dev,
		queue:     dev.NewQueue(),
		targetMem: targetLayerMem,
		mappable:  mappableBuffers && dev.UnifiedMemory(),
	}
	if err := cache.Reinitialise(); err != nil {
		return nil, err
	}
	m.SetRegionCache(cache)
	return cache, nil
}

func (c *Cache) Device() *gpu.Device { return c.dev }
func (c *Cache) Queue() *gpu.Queue   { return c.queue }
func (c *Cache) Map() *occmap.OccupancyMap { return c.m }

// Layer returns the cache for a logical layer, nil when the map layout has
// no such layer.
func (c *Cache) Layer(id CacheID) *LayerCache { return c.layers[id] }

// Reinitialise rebuilds every layer cache against the map's current layout,
// dropping all residency. Page pools are sized by splitting the target
// memory across the known layers proportionally to their per-chunk cost.
func (c *Cache) Reinitialise() error {
	for _, layer := range c.layers {
		layer.release()
	}
	c.layers = make(map[CacheID]*LayerCache)

	layout := c.m.Layout()
	known := map[CacheID]int{
		CacheOccupancy:  layout.OccupancyLayer(),
		CacheMean:       layout.MeanLayer(),
		CacheCovariance: layout.CovarianceLayer(),
		CacheClearance:  layout.ClearanceLayer(),
	}

	volume := c.m.RegionVoxelVolume()
	totalWeight := 0
	weights := make(map[CacheID]int)
	for id, layerIndex := range known {
		if layerIndex >= 0 {
			w := layout.Layer(layerIndex).LayerByteSize(volume)
			weights[id] = w
			totalWeight += w
		}
	}
	if totalWeight == 0 {
		return nil
	}

	budget := func(id CacheID) int {
		return weights[id] * c.targetMem / totalWeight
	}
	mappable := AccessFlag(0)
	if c.mappable {
		mappable = AccessMappable
	}

	if idx := known[CacheOccupancy]; idx >= 0 {
		// The occupancy layer restores each chunk's first-valid hint as pages
		// come back from the device.
		c.layers[CacheOccupancy] = newLayerCache(c.dev, c.queue, c.m, idx, budget(CacheOccupancy),
			AccessRead|AccessWrite|mappable,
			func(m *occmap.OccupancyMap, chunk *occmap.MapChunk) {
				m.RecomputeFirstValid(chunk)
			})
	}
	if idx := known[CacheMean]; idx >= 0 {
		c.layers[CacheMean] = newLayerCache(c.dev, c.queue, c.m, idx, budget(CacheMean),
			AccessRead|AccessWrite|mappable, nil)
	}
	if idx := known[CacheCovariance]; idx >= 0 {
		c.layers[CacheCovariance] = newLayerCache(c.dev, c.queue, c.m, idx, budget(CacheCovariance),
			AccessRead|AccessWrite|mappable, nil)
	}
	if idx := known[CacheClearance]; idx >= 0 && known[CacheOccupancy] >= 0 {
		// The clearance kernel reads occupancy, so its cache pages the
		// occupancy layer, read only.
		c.layers[CacheClearance] = newLayerCache(c.dev, c.queue, c.m, known[CacheOccupancy], budget(CacheClearance),
			AccessRead|mappable, nil)
	}
	return nil
}

// SyncToHost writes every dirty page of every layer back to chunk memory.
func (c *Cache) SyncToHost() error {
	for _, layer := range c.layers {
		if err := layer.SyncToHost(); err != nil {
			return err
		}
	}
	return nil
}

// SyncLayer syncs one logical layer.
func (c *Cache) SyncLayer(id CacheID) error {
	if layer := c.layers[id]; layer != nil {
		return layer.SyncToHost()
	}
	return nil
}

// Remove drops any residency for a region across all layers, without sync.
func (c *Cache) Remove(region occmap.RegionKey) {
	for _, layer := range c.layers {
		layer.Remove(region)
	}
}

// Clear drops all residency without syncing.
func (c *Cache) Clear() {
	for _, layer := range c.layers {
		layer.Clear()
	}
}

// Release tears the cache down deterministically: residency dropped, device
// buffers freed, queue drained and released.
func (c *Cache) Release() {
	for _, layer := range c.layers {
		layer.release()
	}
	c.layers = nil
	c.queue.Finish()
	c.queue.Release()
	if c.m.RegionCache() == occmap.RegionCache(c) {
		c.m.SetRegionCache(nil)
	}
}

// Sync flushes every layer cache of the map's attached GPU cache, if any.
func Sync(m *occmap.OccupancyMap) error {
	if cache, ok := m.RegionCache().(*Cache); ok && cache != nil {
		return cache.SyncToHost()
	}
	return nil
}

// SyncLayer flushes one logical layer of the map's attached GPU cache.
func SyncLayer(m *occmap.OccupancyMap, id CacheID) error {
	if cache, ok := m.RegionCache().(*Cache); ok && cache != nil {
		return cache.SyncLayer(id)
	}
	return nil
}
