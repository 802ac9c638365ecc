package soft

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/whatevermarch/Cauldron/internal/gpu"
)

// ManagedAllocator behaves like a general-purpose allocator library: a single
// CreateBuffer call creates, allocates and binds; mapping is reference
// counted; the preferred memory type falls back to the required one.
type ManagedAllocator struct {
	dev *Device
}

type managedAllocation struct {
	owner  *ManagedAllocator
	buffer gpu.BufferHandle
	memory MemoryHandle
	size   uint64
	name   string

	mu       sync.Mutex
	mapCount int
	mapped   []byte
}

func (a *managedAllocation) Buffer() gpu.BufferHandle { return a.buffer }
func (a *managedAllocation) Size() uint64             { return a.size }

// NewManagedAllocator creates the allocator-library strategy for dev
func NewManagedAllocator(dev *Device) *ManagedAllocator {
	return &ManagedAllocator{dev: dev}
}

// CreateBuffer creates a buffer with memory already bound
func (m *ManagedAllocator) CreateBuffer(desc gpu.BufferDesc) (gpu.Allocation, error) {
	h, err := m.dev.CreateBuffer(desc.Size, desc.Usage)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (gpu.Allocation, error) {
		_ = m.dev.DestroyBuffer(h)
		return nil, errors.Wrapf(err, "creating %q", desc.Name)
	}

	req, err := m.dev.BufferRequirements(h)
	if err != nil {
		return fail(err)
	}

	idx, ok := gpu.FindMemoryType(m.dev.memoryTypes, req.MemoryTypeBits, desc.Intent.Preferred())
	if !ok {
		idx, ok = gpu.FindMemoryType(m.dev.memoryTypes, req.MemoryTypeBits, desc.Intent.Required())
	}
	if !ok {
		return fail(errors.Wrapf(ErrNoMemoryType, "%s memory", desc.Intent))
	}

	mem, err := m.dev.AllocateMemory(req.Size, idx)
	if err != nil {
		return fail(err)
	}
	if err := m.dev.BindBufferMemory(h, mem, 0); err != nil {
		_ = m.dev.FreeMemory(mem)
		return fail(err)
	}
	if desc.Name != "" {
		_ = m.dev.SetBufferName(h, desc.Name)
	}

	return &managedAllocation{owner: m, buffer: h, memory: mem, size: desc.Size, name: desc.Name}, nil
}

func (m *ManagedAllocator) own(a gpu.Allocation) (*managedAllocation, error) {
	ma, ok := a.(*managedAllocation)
	if !ok || ma.owner != m {
		return nil, errors.Wrapf(ErrForeignObject, "%s", a.Buffer())
	}
	return ma, nil
}

// Bind is a no-op; CreateBuffer already bound the memory
func (m *ManagedAllocator) Bind(a gpu.Allocation) error {
	_, err := m.own(a)
	return err
}

// Map returns the mapped memory, mapping it on first use
func (m *ManagedAllocator) Map(a gpu.Allocation) ([]byte, error) {
	ma, err := m.own(a)
	if err != nil {
		return nil, err
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.mapCount == 0 {
		data, err := m.dev.MapMemory(ma.memory)
		if err != nil {
			return nil, err
		}
		ma.mapped = data[:ma.size:ma.size]
	}
	ma.mapCount++
	return ma.mapped, nil
}

// Unmap drops one mapping reference and unmaps when none remain
func (m *ManagedAllocator) Unmap(a gpu.Allocation) error {
	ma, err := m.own(a)
	if err != nil {
		return err
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.mapCount == 0 {
		return errors.Wrapf(ErrNotMapped, "%s", ma.buffer)
	}
	ma.mapCount--
	if ma.mapCount > 0 {
		return nil
	}
	ma.mapped = nil
	return m.dev.UnmapMemory(ma.memory)
}

// Destroy unmaps if needed, then destroys the buffer and frees its memory
func (m *ManagedAllocator) Destroy(a gpu.Allocation) error {
	ma, err := m.own(a)
	if err != nil {
		return err
	}

	ma.mu.Lock()
	if ma.mapCount > 0 {
		ma.mapCount = 0
		ma.mapped = nil
		err = m.dev.UnmapMemory(ma.memory)
	}
	ma.mu.Unlock()

	err = errors.CombineErrors(err, m.dev.DestroyBuffer(ma.buffer))
	return errors.CombineErrors(err, m.dev.FreeMemory(ma.memory))
}
