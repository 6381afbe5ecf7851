package gpumap

import (
	"github.com/gammazero/deque"
	"github.com/pkg/errors"

	"github.com/voxgrid/occmap/gpu"
	occmap "github.com/voxgrid/occmap"
)

// CacheStatus reports the outcome of a LayerCache upload.
type CacheStatus int

const (
	// StatusAlreadyCached means the region was resident; no transfer issued.
	StatusAlreadyCached CacheStatus = iota
	// StatusNew means the region was bound to a page and its chunk data
	// queued for upload.
	StatusNew
	// StatusCacheFull means the region could not be bound: every page is
	// pinned by the active batch, or the region has no chunk and
	// UploadAllowCreate was not given. Pages outside the active batch whose
	// event is still running are waited out rather than reported full.
	// Retryable after finalising the current batch.
	StatusCacheFull
)

// UploadFlag adjusts LayerCache.Upload behaviour.
type UploadFlag uint32

const (
	// UploadAllowCreate creates the chunk when the region is not yet
	// populated in the host map.
	UploadAllowCreate UploadFlag = 1 << iota
)

// AccessFlag describes how the device uses a cached layer.
type AccessFlag uint32

const (
	// AccessRead uploads chunk data to the device page on bind.
	AccessRead AccessFlag = 1 << iota
	// AccessWrite syncs device pages back to chunk memory.
	AccessWrite
	// AccessMappable prefers pinned host mappings for transfers.
	AccessMappable
)

// ChunkSyncFunc is invoked after a page is written back to its chunk, for
// layer-specific post-processing.
type ChunkSyncFunc func(m *occmap.OccupancyMap, chunk *occmap.MapChunk)

// ErrCacheFull is returned when an upload cannot be satisfied even after the
// caller's retry policy is exhausted.
var ErrCacheFull = errors.New("gpu layer cache full")

type cacheEntry struct {
	region      occmap.RegionKey
	page        int
	event       gpu.Event
	batchMarker uint64
	dirty       bool
	lastUse     uint64
}

// LayerCache keeps a fixed pool of device pages, each holding one chunk's
// slice of a single map layer. Eviction is batch guarded: a page admitted in
// the active batch is never recycled within it, and never before its last
// recorded event has completed.
type LayerCache struct {
	m          *occmap.OccupancyMap
	queue      *gpu.Queue
	layerIndex int
	access     AccessFlag
	syncFunc   ChunkSyncFunc

	chunkSize int
	pageCount int
	buffer    *gpu.Buffer

	residents map[occmap.RegionKey]*cacheEntry
	freePages deque.Deque[int]

	// batchMarker is the active batch stamp: odd, advancing by 2, never 0.
	batchMarker uint64
	useCounter  uint64
}

func newLayerCache(dev *gpu.Device, queue *gpu.Queue, m *occmap.OccupancyMap,
	layerIndex int, targetBytes int, access AccessFlag, syncFunc ChunkSyncFunc) *LayerCache {

	layer := m.Layout().Layer(layerIndex)
	chunkSize := layer.LayerByteSize(m.RegionVoxelVolume())
	pageCount := targetBytes / chunkSize
	if pageCount < 1 {
		pageCount = 1
	}
	c := &LayerCache{
		m:           m,
		queue:       queue,
		layerIndex:  layerIndex,
		access:      access,
		syncFunc:    syncFunc,
		chunkSize:   chunkSize,
		pageCount:   pageCount,
		buffer:      gpu.NewBuffer(dev, pageCount*chunkSize),
		residents:   make(map[occmap.RegionKey]*cacheEntry),
		batchMarker: 1,
	}
	for page := 0; page < pageCount; page++ {
		c.freePages.PushBack(page)
	}
	return c
}

func (c *LayerCache) LayerIndex() int     { return c.layerIndex }
func (c *LayerCache) PageCount() int      { return c.pageCount }
func (c *LayerCache) ChunkByteSize() int  { return c.chunkSize }
func (c *LayerCache) Buffer() *gpu.Buffer { return c.buffer }
func (c *LayerCache) Queue() *gpu.Queue   { return c.queue }

// BeginBatch opens a new cache batch and returns its marker. Markers are odd
// and advance by two so they can never collide with the zero "no batch"
// value.
func (c *LayerCache) BeginBatch() uint64 {
	c.batchMarker += 2
	return c.batchMarker
}

// BatchMarker returns the active batch marker.
func (c *LayerCache) BatchMarker() uint64 { return c.batchMarker }

// Upload binds region to a device page, uploading the chunk's layer bytes
// when the cache layer has read access. Returns the byte offset of the page
// within the pool buffer, the chunk, an event (for a new binding the upload
// event, zero when no transfer was needed; for an already resident region the
// entry's last recorded event) and a status. On StatusCacheFull the other results are zero.
func (c *LayerCache) Upload(region occmap.RegionKey, batchMarker uint64, flags UploadFlag) (uint64, *occmap.MapChunk, gpu.Event, CacheStatus) {
	c.useCounter++

	if entry, ok := c.residents[region]; ok {
		entry.batchMarker = batchMarker
		entry.lastUse = c.useCounter
		chunk := c.m.Region(region, flags&UploadAllowCreate != 0)
		return uint64(entry.page * c.chunkSize), chunk, entry.event, StatusAlreadyCached
	}

	page, ok := c.claimPage(batchMarker)
	if !ok {
		return 0, nil, gpu.Event{}, StatusCacheFull
	}

	chunk := c.m.Region(region, flags&UploadAllowCreate != 0)
	if chunk == nil {
		c.freePages.PushBack(page)
		return 0, nil, gpu.Event{}, StatusCacheFull
	}

	offset := uint64(page * c.chunkSize)
	var uploadEvent gpu.Event
	if c.access&AccessRead != 0 {
		c.buffer.Write(c.queue, chunk.LayerBytes(c.layerIndex), int(offset), nil, &uploadEvent)
	}
	c.residents[region] = &cacheEntry{
		region:      region,
		page:        page,
		event:       uploadEvent,
		batchMarker: batchMarker,
		lastUse:     c.useCounter,
	}
	return offset, chunk, uploadEvent, StatusNew
}

// claimPage finds a page to bind: an unused page if any, otherwise the least
// recently used resident page outside the active batch, preferring pages
// whose last event has already completed. A page still referenced by an
// in-flight event is only taken after waiting that event out; pages admitted
// in the active batch are never taken, which is what makes the wait safe.
// Evicted dirty pages are written back to their chunk first.
func (c *LayerCache) claimPage(activeBatch uint64) (int, bool) {
	if c.freePages.Len() > 0 {
		return c.freePages.PopFront(), true
	}

	var complete, busy *cacheEntry
	for _, entry := range c.residents {
		if entry.batchMarker == activeBatch {
			continue
		}
		if entry.event.IsComplete() {
			if complete == nil || entry.lastUse < complete.lastUse {
				complete = entry
			}
		} else if busy == nil || entry.lastUse < busy.lastUse {
			busy = entry
		}
	}
	victim := complete
	if victim == nil {
		if busy == nil {
			return 0, false
		}
		busy.event.Wait()
		victim = busy
	}
	c.syncEntry(victim)
	delete(c.residents, victim.region)
	return victim.page, true
}

// UpdateEvents attaches event as the new last event of every entry admitted
// under batchMarker, marking them dirty when the layer is device writable.
func (c *LayerCache) UpdateEvents(batchMarker uint64, event gpu.Event) {
	for _, entry := range c.residents {
		if entry.batchMarker == batchMarker {
			entry.event = event
			if c.access&AccessWrite != 0 {
				entry.dirty = true
			}
		}
	}
}

// SyncToHost writes every dirty resident page back to its chunk and runs the
// layer sync hook. Idempotent: clean entries are skipped.
func (c *LayerCache) SyncToHost() error {
	for _, entry := range c.residents {
		c.syncEntry(entry)
	}
	return nil
}

// SyncRegion syncs a single region's page, if resident.
func (c *LayerCache) SyncRegion(region occmap.RegionKey) {
	if entry, ok := c.residents[region]; ok {
		c.syncEntry(entry)
	}
}

func (c *LayerCache) syncEntry(entry *cacheEntry) {
	entry.event.Wait()
	if !entry.dirty || c.access&AccessWrite == 0 {
		return
	}
	chunk := c.m.Region(entry.region, false)
	if chunk == nil {
		// Region was culled while resident; nothing to write back to.
		entry.dirty = false
		return
	}
	var readDone gpu.Event
	c.buffer.Read(c.queue, chunk.LayerBytes(c.layerIndex), entry.page*c.chunkSize, nil, &readDone)
	readDone.Wait()
	if c.syncFunc != nil {
		c.syncFunc(c.m, chunk)
	}
	entry.dirty = false
}

// Remove drops a region's page without syncing it back, waiting out any
// event still referencing the page. Used when the region itself is culled.
func (c *LayerCache) Remove(region occmap.RegionKey) {
	if entry, ok := c.residents[region]; ok {
		entry.event.Wait()
		delete(c.residents, region)
		c.freePages.PushBack(entry.page)
	}
}

// Clear drops every entry without syncing.
func (c *LayerCache) Clear() {
	for _, entry := range c.residents {
		entry.event.Wait()
		c.freePages.PushBack(entry.page)
	}
	c.residents = make(map[occmap.RegionKey]*cacheEntry)
}

func (c *LayerCache) release() {
	c.Clear()
	c.buffer.Release()
}
