package gpumap

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	occmap "github.com/voxgrid/occmap"
	"github.com/voxgrid/occmap/gpu"
)

// DefaultMaxRange drops rays longer than this on the GPU path.
const DefaultMaxRange = 500.0

const preallocRegions = 1024

// slot is one of the two pipelined integration contexts. Host preparation of
// one slot overlaps device execution of the other.
type slot struct {
	rays    *gpu.Buffer
	keys    *gpu.Buffer
	offsets *gpu.Buffer

	rayUpload    gpu.Event
	keyUpload    gpu.Event
	offsetUpload gpu.Event
	kernelDone   gpu.Event

	rayCount    int
	regionCount int
}

// GpuMap integrates rays into an OccupancyMap through a compute device,
// batching chunk uploads through the region cache and running the
// region-update kernel per batch.
type GpuMap struct {
	m       *occmap.OccupancyMap
	cache   *Cache
	updater RegionUpdater

	maxRange float64

	slots [2]slot
	next  int

	batchMarker uint64
	regions     []occmap.RegionKey
	regionSet   map[occmap.RegionKey]struct{}
	badRays     uint64
}

// batchState tracks the in-flight batch while regions are enqueued; the slot
// index and pinned region buffers change if a cache-full finalisation occurs
// mid batch.
type batchState struct {
	slot          int
	keysPinned    *gpu.PinnedBuffer
	offsetsPinned *gpu.PinnedBuffer
	endAsOccupied bool
}

// NewGpuMap attaches GPU integration to a map, enabling the region cache if
// the map does not have one yet. expectedPointCount sizes the initial ray
// buffers; zero picks a reasonable default.
func NewGpuMap(m *occmap.OccupancyMap, expectedPointCount int, targetLayerMem int, mappableBuffers bool) (*GpuMap, error) {
	cache, err := EnableGpu(m, targetLayerMem, mappableBuffers)
	if err != nil {
		return nil, err
	}
	updater, err := newRegionUpdater(cache.Device())
	if err != nil {
		return nil, err
	}
	if expectedPointCount == 0 {
		expectedPointCount = 2048
	}
	g := &GpuMap{
		m:         m,
		cache:     cache,
		updater:   updater,
		maxRange:  DefaultMaxRange,
		regionSet: make(map[occmap.RegionKey]struct{}),
	}
	dev := cache.Device()
	for i := range g.slots {
		g.slots[i].rays = gpu.NewBuffer(dev, expectedPointCount/2*rayStride)
		g.slots[i].keys = gpu.NewBuffer(dev, preallocRegions*keyStride)
		g.slots[i].offsets = gpu.NewBuffer(dev, preallocRegions*offsetStride)
	}
	return g, nil
}

func (g *GpuMap) Map() *occmap.OccupancyMap { return g.m }
func (g *GpuMap) Cache() *Cache             { return g.cache }
func (g *GpuMap) MaxRangeFilter() float64   { return g.maxRange }
func (g *GpuMap) SetMaxRangeFilter(r float64) { g.maxRange = r }

// BadRayCount reports rays dropped by the NaN/max-range filter.
func (g *GpuMap) BadRayCount() uint64 { return g.badRays }

// Release drains in-flight work and frees the slot buffers and kernel
// program. The cache stays attached to the map.
func (g *GpuMap) Release() {
	for i := range g.slots {
		g.waitSlot(i)
		g.slots[i].rays.Release()
		g.slots[i].keys.Release()
		g.slots[i].offsets.Release()
	}
	g.updater.Release()
}

// SyncOccupancy flushes the occupancy layer cache back to chunk memory.
func (g *GpuMap) SyncOccupancy() error {
	return g.cache.SyncLayer(CacheOccupancy)
}

// waitSlot drains and releases all four events of a slot before reuse.
func (g *GpuMap) waitSlot(i int) {
	s := &g.slots[i]
	// Wait first on the event known to complete last.
	s.kernelDone.Wait()
	s.kernelDone.Release()
	s.rayUpload.Wait()
	s.rayUpload.Release()
	s.keyUpload.Wait()
	s.keyUpload.Release()
	s.offsetUpload.Wait()
	s.offsetUpload.Release()
}

func badRay(start, end r3.Vec, maxRangeSq float64) bool {
	if math.IsNaN(start.X) || math.IsNaN(start.Y) || math.IsNaN(start.Z) ||
		math.IsNaN(end.X) || math.IsNaN(end.Y) || math.IsNaN(end.Z) {
		return true
	}
	return r3.Norm2(r3.Sub(end, start)) > maxRangeSq
}

// IntegrateRays uploads the rays (origin, sample pairs) and region table for
// the regions they touch, then enqueues the region-update kernel. With
// endPointsAsOccupied false every sample voxel integrates a miss rather than
// a hit. Returns the number of rays accepted. The call is asynchronous: the
// map reflects the update only after SyncOccupancy (or a cache sync).
func (g *GpuMap) IntegrateRays(rays []r3.Vec, endPointsAsOccupied bool) (int, error) {
	if len(rays) < 2 {
		return 0, nil
	}

	slotIdx := g.next
	g.waitSlot(slotIdx)

	g.m.Touch()
	occCache := g.cache.Layer(CacheOccupancy)
	g.batchMarker = occCache.BeginBatch()

	// Build the region set and the ray staging buffer in one pass.
	origin := g.m.Origin()
	maxRangeSq := g.maxRange * g.maxRange
	g.regions = g.regions[:0]
	for k := range g.regionSet {
		delete(g.regionSet, k)
	}
	staged := make([]byte, 0, len(rays)/2*rayStride)
	var record [rayStride]byte
	for i := 0; i+1 < len(rays); i += 2 {
		start, end := rays[i], rays[i+1]
		if badRay(start, end, maxRangeSq) {
			g.badRays++
			continue
		}
		g.m.WalkRegions(start, end, func(region occmap.RegionKey) bool {
			if _, ok := g.regionSet[region]; !ok {
				g.regionSet[region] = struct{}{}
				g.regions = append(g.regions, region)
			}
			return true
		})
		local := r3.Sub(start, origin)
		putRayPoint(record[0:16], float32(local.X), float32(local.Y), float32(local.Z))
		local = r3.Sub(end, origin)
		putRayPoint(record[16:32], float32(local.X), float32(local.Y), float32(local.Z))
		staged = append(staged, record[:]...)
	}
	rayCount := len(staged) / rayStride
	if rayCount == 0 {
		return 0, nil
	}

	s := &g.slots[slotIdx]
	s.rays.Resize(len(staged))
	raysPinned := gpu.Pin(s.rays, gpu.PinWrite)
	raysPinned.Write(staged, 0)
	raysPinned.Unpin(g.cache.Queue(), nil, &s.rayUpload)
	s.rayCount = rayCount
	s.regionCount = 0

	s.keys.Resize(len(g.regions) * keyStride)
	s.offsets.Resize(len(g.regions) * offsetStride)
	st := &batchState{
		slot:          slotIdx,
		keysPinned:    gpu.Pin(s.keys, gpu.PinWrite),
		offsetsPinned: gpu.Pin(s.offsets, gpu.PinWrite),
		endAsOccupied: endPointsAsOccupied,
	}

	for _, region := range g.regions {
		if err := g.enqueueRegion(st, region, true); err != nil {
			return 0, err
		}
	}
	g.finaliseBatch(st)

	return rayCount, nil
}

// enqueueRegion binds one region into the active batch. On cache exhaustion
// it finalises the batch so far (the kernel runs with the regions already
// admitted), moves to the other slot carrying the ray buffer across, and
// retries the failed region exactly once.
func (g *GpuMap) enqueueRegion(st *batchState, region occmap.RegionKey, allowRetry bool) error {
	occCache := g.cache.Layer(CacheOccupancy)
	s := &g.slots[st.slot]

	offset, chunk, _, status := occCache.Upload(region, g.batchMarker, UploadAllowCreate)
	if status != StatusCacheFull {
		var keyRec [keyStride]byte
		putRegionKey(keyRec[:], region.X, region.Y, region.Z)
		st.keysPinned.Write(keyRec[:], s.regionCount*keyStride)
		var offsetRec [offsetStride]byte
		binary.LittleEndian.PutUint64(offsetRec[:], offset)
		st.offsetsPinned.Write(offsetRec[:], s.regionCount*offsetStride)
		s.regionCount++

		// The kernel will write this chunk's page.
		chunk.MarkTouched(g.m.Layout().OccupancyLayer(), g.m.Stamp())
		return nil
	}

	if !allowRetry {
		return errors.Wrapf(ErrCacheFull, "region [%d %d %d]", region.X, region.Y, region.Z)
	}

	prev := st.slot
	g.finaliseBatch(st)

	st.slot = g.next
	g.waitSlot(st.slot)
	next := &g.slots[st.slot]

	// Carry the ray buffer into the new slot.
	next.rays.Resize(g.slots[prev].rays.Size())
	next.rays.CopyFrom(g.cache.Queue(), g.slots[prev].rays, nil, &next.rayUpload)
	next.rayCount = g.slots[prev].rayCount
	next.regionCount = 0

	// Size the fresh region buffers for the worst case: every region not yet
	// admitted in this call.
	next.keys.Resize(len(g.regions) * keyStride)
	next.offsets.Resize(len(g.regions) * offsetStride)
	st.keysPinned = gpu.Pin(next.keys, gpu.PinWrite)
	st.offsetsPinned = gpu.Pin(next.offsets, gpu.PinWrite)

	return g.enqueueRegion(st, region, false)
}

// finaliseBatch completes the region table upload, enqueues the kernel with
// the three upload events as prerequisites, chains the kernel-done event onto
// every cache entry of the batch, and swaps slots.
func (g *GpuMap) finaliseBatch(st *batchState) {
	s := &g.slots[st.slot]
	occCache := g.cache.Layer(CacheOccupancy)
	q := g.cache.Queue()

	st.keysPinned.Unpin(q, nil, &s.keyUpload)
	st.offsetsPinned.Unpin(q, nil, &s.offsetUpload)

	hit := g.m.HitValue()
	if !st.endAsOccupied {
		hit = g.m.MissValue()
	}
	dims := g.m.RegionVoxelDims()
	params := UpdateParams{
		RegionDims: [3]int32{int32(dims[0]), int32(dims[1]), int32(dims[2])},
		Resolution: g.m.Resolution(),
		MissValue:  g.m.MissValue(),
		HitValue:   hit,
		MinValue:   g.m.MinVoxelValue(),
		MaxValue:   g.m.MaxVoxelValue(),
	}
	if s.regionCount > 0 {
		err := g.updater.UpdateRegions(q, occCache.Buffer(), s.keys, s.offsets, s.regionCount,
			s.rays, s.rayCount, params,
			[]gpu.Event{s.rayUpload, s.keyUpload, s.offsetUpload}, &s.kernelDone)
		if err != nil {
			// The kernel never launched; the upload events still order the batch.
			s.kernelDone = gpu.Event{}
		}
	} else {
		s.kernelDone = gpu.Event{}
	}

	occCache.UpdateEvents(g.batchMarker, s.kernelDone)

	g.batchMarker = occCache.BeginBatch()
	g.next = 1 - st.slot
}
