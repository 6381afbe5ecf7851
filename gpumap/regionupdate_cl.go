//go:build opencl

package gpumap

import (
	"fmt"

	"github.com/jgillich/go-opencl/cl"

	"github.com/voxgrid/occmap/gpu"
)

// OpenCL implementation of the region-update kernel. One work item per
// (ray, region) pair; voxel updates use a compare-and-swap loop on the float
// bits because rays in the same batch may touch the same voxel.

const regionUpdateSource = `
typedef struct RegionParams
{
    int3 region_dims;
    float resolution;
    float adjust_miss;
    float adjust_hit;
    float min_value;
    float max_value;
} RegionParams;

inline void adjustVoxel(__global volatile uint *cell, float adjust, float min_value, float max_value)
{
    uint old_bits, new_bits;
    float value;
    do
    {
        old_bits = *cell;
        value = as_float(old_bits);
        if (isinf(value) && value > 0)
        {
            value = 0.0f;
        }
        value += adjust;
        value = clamp(value, min_value, max_value);
        new_bits = as_uint(value);
    } while (atomic_cmpxchg(cell, old_bits, new_bits) != old_bits);
}

__kernel void regionRayUpdate(__global uchar *pool,
                              __global int4 *region_keys,
                              __global ulong *region_offsets,
                              __global float4 *rays,
                              int ray_count,
                              int dim_x, int dim_y, int dim_z,
                              float resolution,
                              float adjust_miss,
                              float adjust_hit,
                              float min_value,
                              float max_value)
{
    int ray_index = get_global_id(0);
    int region_index = get_global_id(1);
    if (ray_index >= ray_count)
    {
        return;
    }

    int4 region = region_keys[region_index];
    __global uint *page = (__global uint *)(pool + region_offsets[region_index]);
    int3 dims = (int3)(dim_x, dim_y, dim_z);

    float3 start = rays[ray_index * 2 + 0].xyz;
    float3 end = rays[ray_index * 2 + 1].xyz;

    int3 start_voxel = convert_int3(floor(start / resolution)) - region.xyz * dims;
    int3 end_voxel = convert_int3(floor(end / resolution)) - region.xyz * dims;

    if (all(start_voxel == end_voxel))
    {
        if (all(end_voxel >= (int3)(0)) && all(end_voxel < dims))
        {
            int idx = end_voxel.x + end_voxel.y * dims.x + end_voxel.z * dims.x * dims.y;
            adjustVoxel((__global volatile uint *)&page[idx], adjust_hit, min_value, max_value);
        }
        return;
    }

    float3 direction = end - start;
    float length = sqrt(dot(direction, direction));
    direction /= length;

    int3 step = (int3)(0);
    float3 time_max = (float3)(MAXFLOAT);
    float3 time_delta = (float3)(MAXFLOAT);
    float3 region_min = convert_float3(region.xyz * dims) * resolution;

    for (int axis = 0; axis < 3; ++axis)
    {
        float d = (axis == 0) ? direction.x : (axis == 1) ? direction.y : direction.z;
        if (d != 0)
        {
            int s = (d > 0) ? 1 : -1;
            float rm = (axis == 0) ? region_min.x : (axis == 1) ? region_min.y : region_min.z;
            int sv = (axis == 0) ? start_voxel.x : (axis == 1) ? start_voxel.y : start_voxel.z;
            float centre = rm + ((float)sv + 0.5f) * resolution;
            float boundary = centre + (float)s * 0.5f * resolution;
            float so = (axis == 0) ? start.x : (axis == 1) ? start.y : start.z;
            float tm = (boundary - so) / d;
            float td = resolution / fabs(d);
            if (axis == 0) { step.x = s; time_max.x = tm; time_delta.x = td; }
            else if (axis == 1) { step.y = s; time_max.y = tm; time_delta.y = td; }
            else { step.z = s; time_max.z = tm; time_delta.z = td; }
        }
    }

    int3 current = start_voxel;
    // Generous iteration bound: the ray can cross each axis of the region
    // dimensions at most once per step.
    int guard = 2 * (dims.x + dims.y + dims.z) + (int)(length / resolution) + 4;
    while (any(current != end_voxel) && guard-- > 0)
    {
        if (all(current >= (int3)(0)) && all(current < dims))
        {
            int idx = current.x + current.y * dims.x + current.z * dims.x * dims.y;
            adjustVoxel((__global volatile uint *)&page[idx], adjust_miss, min_value, max_value);
        }

        int axis;
        if (time_max.x < time_max.z)
        {
            axis = (time_max.x < time_max.y) ? 0 : 1;
        }
        else
        {
            axis = (time_max.y < time_max.z) ? 1 : 2;
        }

        float tm = (axis == 0) ? time_max.x : (axis == 1) ? time_max.y : time_max.z;
        if (tm > length)
        {
            break;
        }
        if (axis == 0) { current.x += step.x; time_max.x += time_delta.x; }
        else if (axis == 1) { current.y += step.y; time_max.y += time_delta.y; }
        else { current.z += step.z; time_max.z += time_delta.z; }
    }

    if (all(end_voxel >= (int3)(0)) && all(end_voxel < dims))
    {
        int idx = end_voxel.x + end_voxel.y * dims.x + end_voxel.z * dims.x * dims.y;
        adjustVoxel((__global volatile uint *)&page[idx], adjust_hit, min_value, max_value);
    }
}
`

type clRegionUpdater struct {
	program *cl.Program
	kernel  *cl.Kernel
}

func newRegionUpdater(dev *gpu.Device) (RegionUpdater, error) {
	ctx, device := dev.CL()
	program, err := ctx.CreateProgramWithSource([]string{regionUpdateSource})
	if err != nil {
		return nil, fmt.Errorf("creating region update program: %w", err)
	}
	if err := program.BuildProgram([]*cl.Device{device}, ""); err != nil {
		buildLog, _ := program.GetProgramBuildLog(device)
		program.Release()
		return nil, fmt.Errorf("building region update program: %w\n%s", err, buildLog)
	}
	kernel, err := program.CreateKernel("regionRayUpdate")
	if err != nil {
		program.Release()
		return nil, fmt.Errorf("creating region update kernel: %w", err)
	}
	return &clRegionUpdater{program: program, kernel: kernel}, nil
}

func (u *clRegionUpdater) Release() {
	if u.kernel != nil {
		u.kernel.Release()
		u.kernel = nil
	}
	if u.program != nil {
		u.program.Release()
		u.program = nil
	}
}

func (u *clRegionUpdater) UpdateRegions(q *gpu.Queue, pool, regionKeys, regionOffsets *gpu.Buffer,
	regionCount int, rays *gpu.Buffer, rayCount int,
	params UpdateParams, wait []gpu.Event, done *gpu.Event) error {

	err := u.kernel.SetArgs(
		pool.CL(), regionKeys.CL(), regionOffsets.CL(), rays.CL(),
		int32(rayCount),
		params.RegionDims[0], params.RegionDims[1], params.RegionDims[2],
		float32(params.Resolution),
		params.MissValue, params.HitValue, params.MinValue, params.MaxValue,
	)
	if err != nil {
		return fmt.Errorf("setting region update args: %w", err)
	}

	var waitList []*cl.Event
	for _, w := range wait {
		if ev := w.CL(); ev != nil {
			waitList = append(waitList, ev)
		}
	}
	ev, err := q.CL().EnqueueNDRangeKernel(u.kernel, nil, []int{rayCount, regionCount}, nil, waitList)
	if err != nil {
		return fmt.Errorf("enqueueing region update kernel: %w", err)
	}
	if done != nil {
		*done = gpu.WrapEvent(ev)
	} else if ev != nil {
		ev.Release()
	}
	return nil
}
