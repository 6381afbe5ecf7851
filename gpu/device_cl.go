//go:build opencl

package gpu

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/jgillich/go-opencl/cl"
)

// OpenCL backend. The exported API matches the reference backend in
// device.go/queue.go/buffer.go; only the plumbing differs.

// Device wraps one OpenCL device and its context.
type Device struct {
	device  *cl.Device
	context *cl.Context
	name    string
}

// NewDevice opens the first available GPU device, falling back to a CPU
// OpenCL device.
func NewDevice() (*Device, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		return nil, fmt.Errorf("querying OpenCL platforms: %w", err)
	}
	if len(platforms) == 0 {
		return nil, errors.New("no OpenCL platforms available")
	}
	var device *cl.Device
	for _, deviceType := range []cl.DeviceType{cl.DeviceTypeGPU, cl.DeviceTypeCPU} {
		for _, p := range platforms {
			devices, derr := p.GetDevices(deviceType)
			if derr != nil && derr != cl.ErrDeviceNotFound {
				continue
			}
			if len(devices) > 0 {
				device = devices[0]
				break
			}
		}
		if device != nil {
			break
		}
	}
	if device == nil {
		return nil, errors.New("no suitable OpenCL devices found")
	}
	context, err := cl.CreateContext([]*cl.Device{device})
	if err != nil {
		return nil, fmt.Errorf("creating OpenCL context: %w", err)
	}
	return &Device{device: device, context: context, name: device.Name()}, nil
}

func (d *Device) Name() string { return d.name }

func (d *Device) UnifiedMemory() bool {
	return d.device.HostUnifiedMemory()
}

// CL exposes the underlying context and device for kernel construction.
func (d *Device) CL() (*cl.Context, *cl.Device) { return d.context, d.device }

func (d *Device) NewQueue() *Queue {
	queue, err := d.context.CreateCommandQueue(d.device, 0)
	if err != nil {
		panic(fmt.Sprintf("creating OpenCL command queue: %v", err))
	}
	return &Queue{q: queue}
}

// Queue wraps an in-order OpenCL command queue.
type Queue struct {
	q *cl.CommandQueue
}

// CL exposes the underlying command queue for kernel dispatch.
func (q *Queue) CL() *cl.CommandQueue { return q.q }

func (q *Queue) Finish() {
	if err := q.q.Finish(); err != nil {
		panic(fmt.Sprintf("queue finish: %v", err))
	}
}

func (q *Queue) Release() { q.q.Release() }

// Event wraps an OpenCL event. The zero Event is complete.
type Event struct {
	ev *cl.Event
}

// WrapEvent adopts a raw OpenCL event, e.g. one returned by a kernel launch.
func WrapEvent(ev *cl.Event) Event { return Event{ev: ev} }

// CL exposes the underlying OpenCL event for wait lists.
func (e Event) CL() *cl.Event { return e.ev }

func (e Event) Wait() {
	if e.ev != nil {
		cl.WaitForEvents([]*cl.Event{e.ev})
	}
}

func (e Event) IsComplete() bool {
	if e.ev == nil {
		return true
	}
	status, err := e.ev.GetExecutionStatus()
	if err != nil {
		return true
	}
	return status == cl.CommandExecStatusComplete
}

func (e *Event) Release() {
	if e.ev != nil {
		e.ev.Release()
		e.ev = nil
	}
}

func clWaitList(wait []Event) []*cl.Event {
	var list []*cl.Event
	for _, w := range wait {
		if w.ev != nil {
			list = append(list, w.ev)
		}
	}
	return list
}

// Buffer is a device memory object.
type Buffer struct {
	dev  *Device
	mem  *cl.MemObject
	size int
}

func NewBuffer(d *Device, size int) *Buffer {
	b := &Buffer{dev: d}
	b.Resize(size)
	return b
}

func (b *Buffer) Size() int { return b.size }

// CL exposes the underlying memory object for kernel arguments.
func (b *Buffer) CL() *cl.MemObject { return b.mem }

func (b *Buffer) Resize(size int) {
	if b.mem != nil && size <= b.size {
		return
	}
	if b.mem != nil {
		b.mem.Release()
	}
	mem, err := b.dev.context.CreateEmptyBuffer(cl.MemReadWrite, size)
	if err != nil {
		panic(fmt.Sprintf("allocating %d byte device buffer: %v", size, err))
	}
	b.mem = mem
	b.size = size
}

func (b *Buffer) Release() {
	if b.mem != nil {
		b.mem.Release()
		b.mem = nil
	}
}

// HostBytes is only available on the reference backend.
func (b *Buffer) HostBytes() []byte { return nil }

func (b *Buffer) Write(q *Queue, src []byte, offset int, wait []Event, done *Event) {
	if len(src) == 0 {
		return
	}
	ev, err := q.q.EnqueueWriteBuffer(b.mem, false, offset, len(src), unsafe.Pointer(&src[0]), clWaitList(wait))
	if err != nil {
		panic(fmt.Sprintf("device write: %v", err))
	}
	finishEvent(ev, done)
}

func (b *Buffer) Read(q *Queue, dst []byte, offset int, wait []Event, done *Event) {
	if len(dst) == 0 {
		return
	}
	ev, err := q.q.EnqueueReadBuffer(b.mem, false, offset, len(dst), unsafe.Pointer(&dst[0]), clWaitList(wait))
	if err != nil {
		panic(fmt.Sprintf("device read: %v", err))
	}
	finishEvent(ev, done)
}

func (b *Buffer) Fill(q *Queue, pattern []byte, wait []Event, done *Event) {
	staged := make([]byte, b.size)
	for i := range staged {
		staged[i] = pattern[i%len(pattern)]
	}
	b.Write(q, staged, 0, wait, done)
}

func (b *Buffer) CopyFrom(q *Queue, src *Buffer, wait []Event, done *Event) {
	size := b.size
	if src.size < size {
		size = src.size
	}
	ev, err := q.q.EnqueueCopyBuffer(src.mem, b.mem, 0, 0, size, clWaitList(wait))
	if err != nil {
		panic(fmt.Sprintf("device copy: %v", err))
	}
	finishEvent(ev, done)
}

func finishEvent(ev *cl.Event, done *Event) {
	if done != nil {
		*done = Event{ev: ev}
	} else if ev != nil {
		ev.Release()
	}
}

// PinnedBuffer stages host writes and reads against a device buffer. Scatter
// writes accumulate in host memory; Unpin enqueues one transfer covering the
// written range and yields its event.
type PinnedBuffer struct {
	b      *Buffer
	shadow []byte
	mode   PinMode
	lo, hi int
	pinned bool
}

type PinMode int

const (
	PinRead PinMode = iota
	PinWrite
)

func Pin(b *Buffer, mode PinMode) *PinnedBuffer {
	p := &PinnedBuffer{b: b, shadow: make([]byte, b.size), mode: mode, lo: b.size, pinned: true}
	if mode == PinRead {
		// Synchronous snapshot for host reads.
		if len(p.shadow) > 0 {
			q := b.dev.NewQueue()
			var ev Event
			b.Read(q, p.shadow, 0, nil, &ev)
			ev.Wait()
			ev.Release()
			q.Release()
		}
	}
	return p
}

func (p *PinnedBuffer) Write(src []byte, offset int) {
	copy(p.shadow[offset:], src)
	if offset < p.lo {
		p.lo = offset
	}
	if offset+len(src) > p.hi {
		p.hi = offset + len(src)
	}
}

func (p *PinnedBuffer) Read(dst []byte, offset int) {
	copy(dst, p.shadow[offset:])
}

func (p *PinnedBuffer) Unpin(q *Queue, wait []Event, done *Event) {
	p.pinned = false
	if p.mode == PinWrite && p.hi > p.lo {
		p.b.Write(q, p.shadow[p.lo:p.hi], p.lo, wait, done)
		return
	}
	if done != nil {
		*done = Event{}
	}
}
