package gpu

import "fmt"

// Allocation is a buffer bound (or about to be bound) to backing memory
type Allocation interface {
	// Buffer returns the identity of the buffer object
	Buffer() BufferHandle

	// Size returns the buffer size in bytes
	Size() uint64
}

// BufferDesc describes a buffer an Allocator should create
type BufferDesc struct {
	Name   string
	Size   uint64
	Usage  BufferUsage
	Intent MemoryIntent
}

// Allocator is the memory back-end a pool is built on. A concrete strategy is
// chosen once when the pool is created.
type Allocator interface {
	// CreateBuffer creates a buffer and reserves memory for it
	CreateBuffer(desc BufferDesc) (Allocation, error)

	// Bind attaches the reserved memory to the buffer
	Bind(a Allocation) error

	// Map returns a host view of the whole allocation
	Map(a Allocation) ([]byte, error)

	// Unmap invalidates the view returned by Map
	Unmap(a Allocation) error

	// Destroy releases the buffer and its memory
	Destroy(a Allocation) error
}

// BufferCopy is one region of a buffer-to-buffer copy
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// CommandRecorder collects device commands for later submission
type CommandRecorder interface {
	CopyBuffer(src, dst BufferHandle, regions ...BufferCopy)
}

// ResourceNamer attaches debug labels to buffers
type ResourceNamer interface {
	SetBufferName(h BufferHandle, name string) error
}

// Descriptor identifies a sub-range of a pool's buffer
type Descriptor struct {
	Buffer BufferHandle
	Offset uint32
	Range  uint32
}

// End returns the first byte past the range
func (d Descriptor) End() uint64 {
	return uint64(d.Offset) + uint64(d.Range)
}

// Overlaps reports whether d and o share at least one byte of the same buffer
func (d Descriptor) Overlaps(o Descriptor) bool {
	if d.Buffer != o.Buffer || d.Range == 0 || o.Range == 0 {
		return false
	}
	return uint64(d.Offset) < o.End() && uint64(o.Offset) < d.End()
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s[%d:+%d]", d.Buffer, d.Offset, d.Range)
}
