package soft

import (
	"github.com/cockroachdb/errors"
	"github.com/maypok86/otter"

	"github.com/whatevermarch/Cauldron/internal/gpu"
)

// RawAllocator drives the device one step at a time: create the buffer,
// query its requirements, pick a memory type, allocate, bind, map.
// Memory types must carry every property the intent prefers.
type RawAllocator struct {
	dev   *Device
	types otter.Cache[uint64, int]
}

type rawAllocation struct {
	owner  *RawAllocator
	buffer gpu.BufferHandle
	memory MemoryHandle
	size   uint64
}

func (a *rawAllocation) Buffer() gpu.BufferHandle { return a.buffer }
func (a *rawAllocation) Size() uint64             { return a.size }

// NewRawAllocator creates the low-level strategy for dev
func NewRawAllocator(dev *Device) (*RawAllocator, error) {
	cache, err := otter.MustBuilder[uint64, int](64).Build()
	if err != nil {
		return nil, errors.Wrap(err, "building memory type cache")
	}
	return &RawAllocator{dev: dev, types: cache}, nil
}

// memoryType resolves and memoizes the type index for a property request
func (r *RawAllocator) memoryType(typeBits uint32, props gpu.MemoryProperty) (int, error) {
	key := uint64(typeBits)<<32 | uint64(props)
	if idx, ok := r.types.Get(key); ok {
		return idx, nil
	}
	idx, ok := gpu.FindMemoryType(r.dev.memoryTypes, typeBits, props)
	if !ok {
		return -1, errors.Wrapf(ErrNoMemoryType, "properties %s, type bits %#b", props, typeBits)
	}
	r.types.Set(key, idx)
	return idx, nil
}

// CreateBuffer creates the buffer and allocates memory for it. The memory is
// bound by Bind.
func (r *RawAllocator) CreateBuffer(desc gpu.BufferDesc) (gpu.Allocation, error) {
	h, err := r.dev.CreateBuffer(desc.Size, desc.Usage)
	if err != nil {
		return nil, err
	}

	req, err := r.dev.BufferRequirements(h)
	if err != nil {
		_ = r.dev.DestroyBuffer(h)
		return nil, err
	}

	idx, err := r.memoryType(req.MemoryTypeBits, desc.Intent.Preferred())
	if err != nil {
		_ = r.dev.DestroyBuffer(h)
		return nil, errors.Wrapf(err, "%s memory for %q", desc.Intent, desc.Name)
	}

	mem, err := r.dev.AllocateMemory(req.Size, idx)
	if err != nil {
		_ = r.dev.DestroyBuffer(h)
		return nil, err
	}

	return &rawAllocation{owner: r, buffer: h, memory: mem, size: desc.Size}, nil
}

func (r *RawAllocator) own(a gpu.Allocation) (*rawAllocation, error) {
	ra, ok := a.(*rawAllocation)
	if !ok || ra.owner != r {
		return nil, errors.Wrapf(ErrForeignObject, "%s", a.Buffer())
	}
	return ra, nil
}

// Bind attaches the allocated memory to the buffer at offset zero
func (r *RawAllocator) Bind(a gpu.Allocation) error {
	ra, err := r.own(a)
	if err != nil {
		return err
	}
	return r.dev.BindBufferMemory(ra.buffer, ra.memory, 0)
}

// Map maps the allocation's memory
func (r *RawAllocator) Map(a gpu.Allocation) ([]byte, error) {
	ra, err := r.own(a)
	if err != nil {
		return nil, err
	}
	data, err := r.dev.MapMemory(ra.memory)
	if err != nil {
		return nil, err
	}
	return data[:ra.size:ra.size], nil
}

// Unmap unmaps the allocation's memory
func (r *RawAllocator) Unmap(a gpu.Allocation) error {
	ra, err := r.own(a)
	if err != nil {
		return err
	}
	return r.dev.UnmapMemory(ra.memory)
}

// Destroy frees the memory and destroys the buffer
func (r *RawAllocator) Destroy(a gpu.Allocation) error {
	ra, err := r.own(a)
	if err != nil {
		return err
	}
	err = r.dev.FreeMemory(ra.memory)
	return errors.CombineErrors(err, r.dev.DestroyBuffer(ra.buffer))
}
