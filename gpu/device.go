//go:build !opencl

package gpu

// Device represents a compute device. The default backend is the in-process
// reference device backed by host memory.
type Device struct {
	name string
}

// NewDevice opens the best available compute device.
func NewDevice() (*Device, error) {
	return &Device{name: "cpu-reference"}, nil
}

func (d *Device) Name() string { return d.name }

// UnifiedMemory reports whether device and host share memory, making pinned
// (mapped) buffers free. Always true for the reference device.
func (d *Device) UnifiedMemory() bool { return true }

// NewQueue creates a FIFO command queue on the device.
func (d *Device) NewQueue() *Queue {
	q := &Queue{ops: make(chan op, 64)}
	go q.run()
	return q
}
