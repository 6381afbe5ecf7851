// Package occmap implements a sparse, chunked, probabilistic 3D occupancy
// map for real-time integration of sensor rays. Voxels are addressed as
// (region, local) keys over fixed-size regions (default 32³ voxels); each
// populated region owns one byte buffer per data layer (occupancy log-odds,
// optional sub-voxel means, sample means, incident normals). Rays integrate
// by walking the voxel grid with a 3D-DDA, applying clamped log-odds misses
// along the ray and a hit at the sample.
//
// The gpumap subpackage accelerates integration on a compute device through
// a page-pool region cache and a double-buffered batch pipeline; the gpu
// subpackage provides the device buffer, event and queue layer it runs on.
package occmap
