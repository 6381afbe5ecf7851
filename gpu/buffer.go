//go:build !opencl

package gpu

import "fmt"

// Buffer is a device memory allocation. For the reference backend it is a
// host byte slice; operations still flow through the queue so that event
// ordering matches a real device.
type Buffer struct {
	dev *Device
	mem []byte
}

// NewBuffer allocates a device buffer of the given byte size.
func NewBuffer(d *Device, size int) *Buffer {
	return &Buffer{dev: d, mem: make([]byte, size)}
}

func (b *Buffer) Size() int { return len(b.mem) }

// Resize reallocates the buffer, discarding contents when growing. The
// caller must ensure no operation is in flight against the buffer.
func (b *Buffer) Resize(size int) {
	if size <= cap(b.mem) {
		b.mem = b.mem[:size]
		return
	}
	b.mem = make([]byte, size)
}

// Release frees the device allocation.
func (b *Buffer) Release() {
	b.mem = nil
}

// HostBytes exposes the backing store. Only valid on a unified-memory
// device; reference kernel executors use it to run in place.
func (b *Buffer) HostBytes() []byte { return b.mem }

// Write enqueues a host-to-device copy of src to offset. src is captured at
// call time and may be reused immediately.
func (b *Buffer) Write(q *Queue, src []byte, offset int, wait []Event, done *Event) {
	staged := append([]byte(nil), src...)
	q.Enqueue(func() {
		copy(b.mem[offset:], staged)
	}, wait, done)
}

// Read enqueues a device-to-host copy into dst, which must stay valid until
// the done event completes.
func (b *Buffer) Read(q *Queue, dst []byte, offset int, wait []Event, done *Event) {
	q.Enqueue(func() {
		copy(dst, b.mem[offset:offset+len(dst)])
	}, wait, done)
}

// Fill enqueues a fill of the whole buffer with a repeating pattern.
func (b *Buffer) Fill(q *Queue, pattern []byte, wait []Event, done *Event) {
	staged := append([]byte(nil), pattern...)
	q.Enqueue(func() {
		for i := range b.mem {
			b.mem[i] = staged[i%len(staged)]
		}
	}, wait, done)
}

// CopyFrom enqueues a device-to-device copy of min(len) bytes from src.
func (b *Buffer) CopyFrom(q *Queue, src *Buffer, wait []Event, done *Event) {
	q.Enqueue(func() {
		copy(b.mem, src.mem)
	}, wait, done)
}

// PinnedBuffer maps a buffer into host memory for scatter writes or reads.
// Unpinning enqueues the (implicit) transfer and yields a completion event.
type PinnedBuffer struct {
	b      *Buffer
	pinned bool
}

// PinMode selects the host access direction for a pinned mapping.
type PinMode int

const (
	PinRead PinMode = iota
	PinWrite
)

// Pin maps the buffer. On the unified-memory reference device this is a
// direct view; writes land immediately and the unpin event orders them for
// the device.
func Pin(b *Buffer, mode PinMode) *PinnedBuffer {
	return &PinnedBuffer{b: b, pinned: true}
}

func (p *PinnedBuffer) ensure() {
	if !p.pinned {
		panic("write through unpinned buffer")
	}
}

// Write copies src into the mapping at offset.
func (p *PinnedBuffer) Write(src []byte, offset int) {
	p.ensure()
	if offset+len(src) > len(p.b.mem) {
		panic(fmt.Sprintf("pinned write out of range: %d+%d > %d", offset, len(src), len(p.b.mem)))
	}
	copy(p.b.mem[offset:], src)
}

// Read copies from the mapping at offset into dst.
func (p *PinnedBuffer) Read(dst []byte, offset int) {
	p.ensure()
	copy(dst, p.b.mem[offset:offset+len(dst)])
}

// Unpin releases the mapping, enqueuing the transfer. Subsequent queue
// operations that list the returned event observe the written data.
func (p *PinnedBuffer) Unpin(q *Queue, wait []Event, done *Event) {
	p.ensure()
	p.pinned = false
	q.Enqueue(nil, wait, done)
}
