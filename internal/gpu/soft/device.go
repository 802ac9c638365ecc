// Package soft implements a software GPU device with separate host-visible and
// device-local heaps. It provides the memory, command and naming collaborators
// a gpu.BufferPool needs, so pools can run and be verified without a driver.
package soft

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/whatevermarch/Cauldron/internal/gpu"
	"github.com/whatevermarch/Cauldron/internal/logging"
)

var (
	ErrUnknownBuffer = errors.New("unknown buffer")
	ErrUnknownMemory = errors.New("unknown device memory")
	ErrNoMemoryType  = errors.New("no compatible memory type")
	ErrOutOfMemory   = errors.New("out of device memory")
	ErrNotMappable   = errors.New("memory is not host visible")
	ErrAlreadyMapped = errors.New("memory already mapped")
	ErrNotMapped     = errors.New("memory not mapped")
	ErrAlreadyBound  = errors.New("buffer already bound")
	ErrNotBound      = errors.New("buffer has no memory bound")
	ErrInvalidUsage  = errors.New("buffer usage does not allow operation")
	ErrOutOfBounds   = errors.New("access out of bounds")
	ErrForeignObject = errors.New("object belongs to another allocator")
	ErrDeviceClosed  = errors.New("device closed")
)

// requirementAlignment is the alignment reported for every buffer
const requirementAlignment = 256

// MemoryHandle identifies a device memory allocation
type MemoryHandle uint64

// Heap is a budgeted region that memory types allocate from
type Heap struct {
	Size        uint64
	DeviceLocal bool
}

// Device is a software GPU: buffers and memory objects are tracked by handle,
// host-visible memory is mapped into the process, device-local memory is not.
type Device struct {
	name        string
	log         *logrus.Entry
	memoryTypes []gpu.MemoryType
	heaps       []Heap

	mu         sync.Mutex
	nextHandle uint64
	heapUsage  []uint64
	buffers    map[gpu.BufferHandle]*buffer
	memories   map[MemoryHandle]*memory
	closed     bool
}

type buffer struct {
	handle gpu.BufferHandle
	size   uint64
	usage  gpu.BufferUsage
	name   string
	mem    *memory
	offset uint64
}

type memory struct {
	handle    MemoryHandle
	typeIndex int
	size      uint64
	data      []byte
	release   func() error
	mapped    bool
	freed     bool
}

// Option configures a Device
type Option func(*Device)

// WithName sets the device name
func WithName(name string) Option {
	return func(d *Device) { d.name = name }
}

// WithLogger overrides the logger
func WithLogger(l *logrus.Entry) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// WithHeapSizes sets the budgets of the default device-local and host heaps
func WithHeapSizes(deviceBytes, hostBytes uint64) Option {
	return func(d *Device) {
		d.heaps = []Heap{
			{Size: deviceBytes, DeviceLocal: true},
			{Size: hostBytes},
		}
	}
}

// WithMemoryLayout replaces the memory type and heap tables
func WithMemoryLayout(types []gpu.MemoryType, heaps []Heap) Option {
	return func(d *Device) {
		d.memoryTypes = append([]gpu.MemoryType(nil), types...)
		d.heaps = append([]Heap(nil), heaps...)
	}
}

// DefaultMemoryTypes is the type table of a discrete GPU: one device-local
// type and two host-visible types on a separate heap.
func DefaultMemoryTypes() []gpu.MemoryType {
	return []gpu.MemoryType{
		{PropertyFlags: gpu.MemoryPropertyDeviceLocal, HeapIndex: 0},
		{PropertyFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 1},
		{PropertyFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent | gpu.MemoryPropertyHostCached, HeapIndex: 1},
	}
}

// NewDevice creates a software device. Heaps default to 256 MiB each.
func NewDevice(opts ...Option) (*Device, error) {
	d := &Device{
		name:        "Cauldron software GPU",
		memoryTypes: DefaultMemoryTypes(),
		heaps: []Heap{
			{Size: 256 << 20, DeviceLocal: true},
			{Size: 256 << 20},
		},
		buffers:  make(map[gpu.BufferHandle]*buffer),
		memories: make(map[MemoryHandle]*memory),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logging.WithComponent("softgpu")
	}
	d.log = d.log.WithField("device", d.name)

	if len(d.memoryTypes) == 0 || len(d.memoryTypes) > 32 {
		return nil, errors.Newf("invalid memory type count %d", len(d.memoryTypes))
	}
	for i, mt := range d.memoryTypes {
		if mt.HeapIndex < 0 || mt.HeapIndex >= len(d.heaps) {
			return nil, errors.Newf("memory type %d references missing heap %d", i, mt.HeapIndex)
		}
	}
	d.heapUsage = make([]uint64, len(d.heaps))

	d.log.WithFields(logrus.Fields{
		"types": len(d.memoryTypes),
		"heaps": len(d.heaps),
	}).Debug("software device created")
	return d, nil
}

// Name returns the device name
func (d *Device) Name() string { return d.name }

// MemoryTypes returns a copy of the memory type table
func (d *Device) MemoryTypes() []gpu.MemoryType {
	return append([]gpu.MemoryType(nil), d.memoryTypes...)
}

// Heaps returns a copy of the heap table
func (d *Device) Heaps() []Heap {
	return append([]Heap(nil), d.heaps...)
}

// MemoryUsage returns allocated and total bytes across all heaps
func (d *Device) MemoryUsage() (used, total uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, h := range d.heaps {
		used += d.heapUsage[i]
		total += h.Size
	}
	return used, total
}

// HeapUsage returns the allocated bytes of one heap
func (d *Device) HeapUsage(heap int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if heap < 0 || heap >= len(d.heapUsage) {
		return 0
	}
	return d.heapUsage[heap]
}

func (d *Device) newHandle() uint64 {
	d.nextHandle++
	return d.nextHandle
}

// CreateBuffer creates an unbound buffer object
func (d *Device) CreateBuffer(size uint64, usage gpu.BufferUsage) (gpu.BufferHandle, error) {
	if size == 0 {
		return gpu.NullBuffer, errors.New("buffer size must be positive")
	}
	if usage == 0 {
		return gpu.NullBuffer, errors.Wrap(ErrInvalidUsage, "buffer has no usage flags")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpu.NullBuffer, ErrDeviceClosed
	}

	b := &buffer{
		handle: gpu.BufferHandle(d.newHandle()),
		size:   size,
		usage:  usage,
	}
	d.buffers[b.handle] = b
	return b.handle, nil
}

// BufferRequirements reports the size, alignment and memory types a buffer can use
func (d *Device) BufferRequirements(h gpu.BufferHandle) (gpu.MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[h]
	if !ok {
		return gpu.MemoryRequirements{}, errors.Wrapf(ErrUnknownBuffer, "%s", h)
	}
	return gpu.MemoryRequirements{
		Size:           alignUp(b.size, requirementAlignment),
		Alignment:      requirementAlignment,
		MemoryTypeBits: uint32(1<<uint(len(d.memoryTypes))) - 1,
	}, nil
}

// AllocateMemory reserves size bytes of the given memory type
func (d *Device) AllocateMemory(size uint64, typeIndex int) (MemoryHandle, error) {
	if size == 0 {
		return 0, errors.New("allocation size must be positive")
	}
	if typeIndex < 0 || typeIndex >= len(d.memoryTypes) {
		return 0, errors.Wrapf(ErrNoMemoryType, "memory type index %d", typeIndex)
	}
	mt := d.memoryTypes[typeIndex]

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrDeviceClosed
	}

	heap := mt.HeapIndex
	if d.heapUsage[heap]+size > d.heaps[heap].Size {
		return 0, errors.Wrapf(ErrOutOfMemory, "heap %d: need %d bytes, %d of %d used",
			heap, size, d.heapUsage[heap], d.heaps[heap].Size)
	}

	m := &memory{
		handle:    MemoryHandle(d.newHandle()),
		typeIndex: typeIndex,
		size:      size,
	}
	if mt.PropertyFlags.Has(gpu.MemoryPropertyHostVisible) {
		data, release, err := allocHostMemory(size)
		if err != nil {
			return 0, errors.Wrapf(err, "allocating %d bytes of host memory", size)
		}
		m.data, m.release = data, release
	} else {
		m.data = make([]byte, size)
	}

	d.heapUsage[heap] += size
	d.memories[m.handle] = m

	d.log.WithFields(logrus.Fields{
		"memory": m.handle,
		"type":   typeIndex,
		"size":   size,
	}).Debug("memory allocated")
	return m.handle, nil
}

// BindBufferMemory attaches memory to a buffer at offset
func (d *Device) BindBufferMemory(h gpu.BufferHandle, mh MemoryHandle, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[h]
	if !ok {
		return errors.Wrapf(ErrUnknownBuffer, "%s", h)
	}
	m, ok := d.memories[mh]
	if !ok {
		return errors.Wrapf(ErrUnknownMemory, "memory %d", mh)
	}
	if b.mem != nil {
		return errors.Wrapf(ErrAlreadyBound, "%s", h)
	}
	if offset%requirementAlignment != 0 {
		return errors.Newf("bind offset %d is not %d-byte aligned", offset, requirementAlignment)
	}
	if offset+b.size > m.size {
		return errors.Wrapf(ErrOutOfBounds, "binding %d bytes at %d into %d-byte memory", b.size, offset, m.size)
	}

	b.mem = m
	b.offset = offset
	return nil
}

// MapMemory returns a host view of a host-visible allocation
func (d *Device) MapMemory(mh MemoryHandle) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.memories[mh]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMemory, "memory %d", mh)
	}
	if !d.memoryTypes[m.typeIndex].PropertyFlags.Has(gpu.MemoryPropertyHostVisible) {
		return nil, errors.Wrapf(ErrNotMappable, "memory %d (type %d)", mh, m.typeIndex)
	}
	if m.mapped {
		return nil, errors.Wrapf(ErrAlreadyMapped, "memory %d", mh)
	}
	m.mapped = true
	return m.data[:m.size:m.size], nil
}

// UnmapMemory invalidates the view returned by MapMemory
func (d *Device) UnmapMemory(mh MemoryHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.memories[mh]
	if !ok {
		return errors.Wrapf(ErrUnknownMemory, "memory %d", mh)
	}
	if !m.mapped {
		return errors.Wrapf(ErrNotMapped, "memory %d", mh)
	}
	m.mapped = false
	return nil
}

// FreeMemory releases a memory allocation. Buffers still bound to it become unusable.
func (d *Device) FreeMemory(mh MemoryHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.memories[mh]
	if !ok {
		return errors.Wrapf(ErrUnknownMemory, "memory %d", mh)
	}
	return d.freeMemoryLocked(m)
}

func (d *Device) freeMemoryLocked(m *memory) error {
	delete(d.memories, m.handle)
	d.heapUsage[d.memoryTypes[m.typeIndex].HeapIndex] -= m.size
	m.freed = true
	m.mapped = false
	m.data = nil

	if m.release != nil {
		if err := m.release(); err != nil {
			return errors.Wrapf(err, "releasing memory %d", m.handle)
		}
	}
	return nil
}

// DestroyBuffer destroys a buffer object. Its memory is not freed.
func (d *Device) DestroyBuffer(h gpu.BufferHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.buffers[h]; !ok {
		return errors.Wrapf(ErrUnknownBuffer, "%s", h)
	}
	delete(d.buffers, h)
	return nil
}

// SetBufferName attaches a debug label to a buffer
func (d *Device) SetBufferName(h gpu.BufferHandle, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[h]
	if !ok {
		return errors.Wrapf(ErrUnknownBuffer, "%s", h)
	}
	b.name = name
	return nil
}

// BufferName returns the debug label of a buffer
func (d *Device) BufferName(h gpu.BufferHandle) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.buffers[h]; ok {
		return b.name
	}
	return ""
}

// BufferCount returns the number of live buffer objects
func (d *Device) BufferCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// ReadBuffer copies len(dst) bytes starting at offset out of any bound buffer,
// including device-local ones. It is the software equivalent of a readback.
func (d *Device) ReadBuffer(h gpu.BufferHandle, offset uint64, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, err := d.boundBufferLocked(h)
	if err != nil {
		return err
	}
	end := offset + uint64(len(dst))
	if end > b.size {
		return errors.Wrapf(ErrOutOfBounds, "reading [%d, %d) of %d-byte %s", offset, end, b.size, h)
	}
	copy(dst, b.mem.data[b.offset+offset:b.offset+end])
	return nil
}

func (d *Device) boundBufferLocked(h gpu.BufferHandle) (*buffer, error) {
	b, ok := d.buffers[h]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBuffer, "%s", h)
	}
	if b.mem == nil || b.mem.freed {
		return nil, errors.Wrapf(ErrNotBound, "%s", h)
	}
	return b, nil
}

// Close frees every remaining memory allocation
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var err error
	for _, m := range d.memories {
		err = errors.CombineErrors(err, d.freeMemoryLocked(m))
	}
	if n := len(d.buffers); n > 0 {
		d.log.WithField("buffers", n).Warn("device closed with live buffers")
	}
	d.buffers = make(map[gpu.BufferHandle]*buffer)
	return err
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
