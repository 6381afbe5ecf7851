package gpumap

import (
	"encoding/binary"
	"math"

	"github.com/voxgrid/occmap/gpu"
)

// Region-update kernel contract.
//
// The kernel receives the occupancy page pool as one flat byte buffer, a
// region-key buffer of regionCount entries, a region-offset buffer giving
// each region's byte offset into the pool, and a ray buffer of rayCount rays.
// The dispatch grid is regionCount × rayCount: each work item walks the
// voxels of one ray that fall inside one region, applying MissValue to every
// intermediate voxel and HitValue at the sample voxel when the sample lies in
// that region. Updates are atomic compare-and-swap additions in log-odds
// space, clamped to [MinValue, MaxValue], with the unobserved sentinel
// (+Inf) treated as zero on first update. In end-point-as-free mode the host
// passes HitValue == MissValue.
//
// Buffer layouts (little endian):
//   rays:           2 float4 per ray (origin, sample), w ignored, 32 B/ray.
//                   Coordinates are map local (world minus map origin).
//   region keys:    4 int32 per region (x, y, z, pad), 16 B/region.
//   region offsets: 1 uint64 per region, byte offset into the pool.

const (
	rayStride    = 32
	keyStride    = 16
	offsetStride = 8
)

// UpdateParams carries the scalar kernel arguments.
type UpdateParams struct {
	RegionDims [3]int32
	Resolution float64
	MissValue  float32
	HitValue   float32
	MinValue   float32
	MaxValue   float32
}

// RegionUpdater launches the region-update kernel on a backend. done
// completes when the kernel has finished; the launch itself is asynchronous.
type RegionUpdater interface {
	UpdateRegions(q *gpu.Queue, pool, regionKeys, regionOffsets *gpu.Buffer,
		regionCount int, rays *gpu.Buffer, rayCount int,
		params UpdateParams, wait []gpu.Event, done *gpu.Event) error
	Release()
}

func putRayPoint(buf []byte, x, y, z float32) {
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(x))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(y))
	binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(z))
	binary.LittleEndian.PutUint32(buf[12:], 0)
}

func putRegionKey(buf []byte, x, y, z int16) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(int32(x)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(int32(y)))
	binary.LittleEndian.PutUint32(buf[8:], uint32(int32(z)))
	binary.LittleEndian.PutUint32(buf[12:], 0)
}
