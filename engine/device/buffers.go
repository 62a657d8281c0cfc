package device

import (
	"fmt"
)

// Buffers is a group of allocations that are released together, the way a build stage owns its
// intermediate or output memory. The first allocation error sticks; later allocations are skipped.
type Buffers struct {
	dev   Device
	label string
	list  []Buffer
	err   error
}

// NewBuffers creates an empty group.
//
// Parameters:
//   - dev: the device to allocate on
//   - label: prefixed to every buffer label
//
// Returns:
//   - *Buffers: the group
func NewBuffers(dev Device, label string) *Buffers {
	return &Buffers{dev: dev, label: label}
}

// Alloc creates a buffer and returns its address. A zero size yields the null address.
func (b *Buffers) Alloc(name string, size uint64, usage BufferUsage) Address {
	if b.err != nil || size == 0 {
		return 0
	}
	buf, err := b.dev.CreateBuffer(BufferDescriptor{
		Label: b.label + " " + name,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		b.err = fmt.Errorf("%s %s: %w", b.label, name, err)
		return 0
	}
	b.list = append(b.list, buf)
	return buf.Address()
}

// Err returns the first allocation failure.
func (b *Buffers) Err() error {
	return b.err
}

// Size returns the total size of the live buffers.
func (b *Buffers) Size() uint64 {
	var n uint64
	for _, buf := range b.list {
		n += buf.Size()
	}
	return n
}

// Len returns the number of live buffers.
func (b *Buffers) Len() int {
	return len(b.list)
}

// Release frees every buffer of the group and clears the sticky error.
func (b *Buffers) Release() {
	for _, buf := range b.list {
		buf.Release()
	}
	b.list = nil
	b.err = nil
}
