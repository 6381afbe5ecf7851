//go:build !opencl

package gpumap

import (
	"encoding/binary"
	"math"
	"runtime"
	"sync"

	"github.com/voxgrid/occmap/gpu"
)

// Reference executor for the region-update kernel. Work items are spread
// across worker goroutines by region: a region's page is only ever touched by
// one worker, so per-voxel updates need no atomics while still matching the
// contract's outcome. Rays within a region apply in buffer order, keeping the
// result deterministic for tests.

type cpuRegionUpdater struct{}

func newRegionUpdater(dev *gpu.Device) (RegionUpdater, error) {
	return cpuRegionUpdater{}, nil
}

func (cpuRegionUpdater) Release() {}

func (cpuRegionUpdater) UpdateRegions(q *gpu.Queue, pool, regionKeys, regionOffsets *gpu.Buffer,
	regionCount int, rays *gpu.Buffer, rayCount int,
	params UpdateParams, wait []gpu.Event, done *gpu.Event) error {

	q.Enqueue(func() {
		poolMem := pool.HostBytes()
		keyMem := regionKeys.HostBytes()
		offsetMem := regionOffsets.HostBytes()
		rayMem := rays.HostBytes()

		workers := runtime.NumCPU()
		if workers > regionCount {
			workers = regionCount
		}
		var wg sync.WaitGroup
		work := make(chan int)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for ri := range work {
					key := [3]int32{
						int32(binary.LittleEndian.Uint32(keyMem[ri*keyStride:])),
						int32(binary.LittleEndian.Uint32(keyMem[ri*keyStride+4:])),
						int32(binary.LittleEndian.Uint32(keyMem[ri*keyStride+8:])),
					}
					offset := binary.LittleEndian.Uint64(offsetMem[ri*offsetStride:])
					page := poolMem[offset:]
					for i := 0; i < rayCount; i++ {
						updateRegionForRay(page, key, rayMem[i*rayStride:(i+1)*rayStride], params)
					}
				}
			}()
		}
		for ri := 0; ri < regionCount; ri++ {
			work <- ri
		}
		close(work)
		wg.Wait()
	}, wait, done)
	return nil
}

// updateRegionForRay walks one ray through one region's occupancy page.
func updateRegionForRay(page []byte, region [3]int32, ray []byte, params UpdateParams) {
	var start, end [3]float64
	for axis := 0; axis < 3; axis++ {
		start[axis] = float64(math.Float32frombits(binary.LittleEndian.Uint32(ray[axis*4:])))
		end[axis] = float64(math.Float32frombits(binary.LittleEndian.Uint32(ray[16+axis*4:])))
	}

	res := params.Resolution
	var regionMin [3]float64
	var dims [3]int
	for axis := 0; axis < 3; axis++ {
		regionMin[axis] = float64(region[axis]) * float64(params.RegionDims[axis]) * res
		dims[axis] = int(params.RegionDims[axis])
	}

	voxelOf := func(p [3]float64) [3]int {
		var v [3]int
		for axis := 0; axis < 3; axis++ {
			v[axis] = int(math.Floor(p[axis]/res)) - int(region[axis])*dims[axis]
		}
		return v
	}
	inRegion := func(v [3]int) bool {
		return v[0] >= 0 && v[0] < dims[0] && v[1] >= 0 && v[1] < dims[1] && v[2] >= 0 && v[2] < dims[2]
	}
	adjust := func(v [3]int, delta float32) {
		idx := v[0] + v[1]*dims[0] + v[2]*dims[0]*dims[1]
		cell := page[idx*4 : idx*4+4]
		value := math.Float32frombits(binary.LittleEndian.Uint32(cell))
		if math.IsInf(float64(value), 1) {
			value = 0
		}
		value += delta
		if value < params.MinValue {
			value = params.MinValue
		} else if value > params.MaxValue {
			value = params.MaxValue
		}
		binary.LittleEndian.PutUint32(cell, math.Float32bits(value))
	}

	startVoxel := voxelOf(start)
	endVoxel := voxelOf(end)

	if startVoxel == endVoxel {
		if inRegion(endVoxel) {
			adjust(endVoxel, params.HitValue)
		}
		return
	}

	var direction [3]float64
	for axis := 0; axis < 3; axis++ {
		direction[axis] = end[axis] - start[axis]
	}
	// Same norm as r3.Norm in the host walk, so both walks break ties at
	// voxel corners alike.
	length := math.Hypot(direction[0], math.Hypot(direction[1], direction[2]))
	inv := 1.0 / length
	var step [3]int
	var timeMax, timeDelta [3]float64
	for axis := 0; axis < 3; axis++ {
		d := direction[axis] * inv
		direction[axis] = d
		if d != 0 {
			if d > 0 {
				step[axis] = 1
			} else {
				step[axis] = -1
			}
			timeDelta[axis] = res / math.Abs(d)
			centre := regionMin[axis] + (float64(startVoxel[axis])+0.5)*res
			boundary := centre + float64(step[axis])*0.5*res
			timeMax[axis] = (boundary - start[axis]) / d
		} else {
			timeMax[axis] = math.MaxFloat64
			timeDelta[axis] = math.MaxFloat64
		}
	}

	current := startVoxel
	for current != endVoxel {
		if inRegion(current) {
			adjust(current, params.MissValue)
		}
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
			break
		}
		current[axis] += step[axis]
		timeMax[axis] += timeDelta[axis]
	}

	if inRegion(endVoxel) {
		adjust(endVoxel, params.HitValue)
	}
}
