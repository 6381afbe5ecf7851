// Package gpu provides the device buffer, event and queue layer used by the
// GPU mapping pipeline. Two backends satisfy the same API: the default pure
// Go backend executes queue operations on a worker goroutine against host
// memory, and an OpenCL backend (build tag "opencl") drives a real compute
// device. Observable ordering semantics are identical: queues are FIFO,
// operations additionally wait on their explicit prerequisite events, and
// every asynchronous operation can report completion through an Event.
package gpu
