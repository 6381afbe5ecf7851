// Package gpumap accelerates occupancy map ray integration with a compute
// device. It keeps chunk layers resident on the device through a fixed pool
// of pages per layer (LayerCache), batches rays through a two-slot pipeline
// that overlaps host preparation with device execution (GpuMap), and runs a
// region-update kernel per batch. Map state on the host is only current
// after a sync; see Cache.SyncToHost and GpuMap.SyncOccupancy.
package gpumap
