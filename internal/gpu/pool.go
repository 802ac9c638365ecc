package gpu

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/whatevermarch/Cauldron/internal/logging"
)

// Alignment is the granularity of every sub-allocation. Descriptor-bound
// buffer ranges need 256-byte aligned offsets on the hardware we target.
const Alignment = 256

// baseUsage is what every device-visible pool buffer can be bound as
const baseUsage = BufferUsageUniformTexel | BufferUsageUniform | BufferUsageIndex | BufferUsageVertex

// BufferPool hands out aligned ranges of one or two large buffers.
// Ranges are never freed individually; the pool is torn down as a whole.
type BufferPool struct {
	alloc    Allocator
	namer    ResourceNamer
	log      *logrus.Entry
	name     string
	mode     UsageMode
	capacity uint32

	mu            sync.Mutex
	cursor        uint32
	host          Allocation
	hostData      []byte
	device        Allocation
	stagingActive bool
	destroyed     bool
	stats         PoolStats
}

// PoolStats tracks pool activity
type PoolStats struct {
	Allocations   int64 // Successful sub-allocations
	Failures      int64 // Requests rejected for lack of space
	BytesReserved int64 // Aligned bytes handed out
	Uploads       int64 // Copy commands recorded
	BytesUploaded int64 // Bytes covered by recorded copies
}

// PoolOption customizes a pool at creation
type PoolOption func(*BufferPool)

// WithName sets the label used for logs and backing buffer names
func WithName(name string) PoolOption {
	return func(p *BufferPool) {
		if name != "" {
			p.name = name
		}
	}
}

// WithNamer attaches debug names to the backing buffers
func WithNamer(n ResourceNamer) PoolOption {
	return func(p *BufferPool) { p.namer = n }
}

// WithLogger overrides the logger
func WithLogger(l *logrus.Entry) PoolOption {
	return func(p *BufferPool) {
		if l != nil {
			p.log = l
		}
	}
}

// NewBufferPool reserves capacity bytes in the memory domains selected by mode.
// Either every backing allocation succeeds or nothing is left allocated.
func NewBufferPool(alloc Allocator, capacity uint32, mode UsageMode, opts ...PoolOption) (*BufferPool, error) {
	if alloc == nil {
		return nil, configErrorf(nil, "nil allocator")
	}
	if capacity == 0 {
		return nil, configErrorf(nil, "capacity must be positive")
	}
	if !mode.Valid() {
		return nil, configErrorf(nil, "invalid usage mode %d", int(mode))
	}

	p := &BufferPool{
		alloc:         alloc,
		name:          "BufferPool",
		mode:          mode,
		capacity:      capacity,
		stagingActive: mode.Staging(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logging.WithComponent("bufferpool")
	}
	p.log = p.log.WithFields(logrus.Fields{"pool": p.name, "mode": mode.String()})

	usage := baseUsage
	if mode.Staging() {
		usage |= BufferUsageTransferDst
	} else {
		usage |= BufferUsageStorageTexel | BufferUsageStorage | BufferUsageIndirect
	}

	if mode.HasHost() {
		desc := BufferDesc{
			Name:   p.name + " (sys mem)",
			Size:   uint64(capacity),
			Usage:  usage,
			Intent: IntentHostOnly,
		}
		if mode.Staging() {
			desc.Usage = BufferUsageTransferSrc
			desc.Intent = IntentHostStaging
		}
		a, data, err := p.createBuffer(desc, true)
		if err != nil {
			return nil, err
		}
		p.host = a
		p.hostData = data[:capacity:capacity]
	}

	if mode.HasDevice() {
		desc := BufferDesc{
			Name:   p.name + " (vid mem)",
			Size:   uint64(capacity),
			Usage:  usage,
			Intent: IntentDeviceLocal,
		}
		a, _, err := p.createBuffer(desc, false)
		if err != nil {
			p.releaseHost()
			return nil, err
		}
		p.device = a
	}

	p.log.WithField("capacity", capacity).Info("buffer pool created")
	return p, nil
}

// NewBufferPoolSimple creates a host-only pool, or a staging pool when
// useVideoMemory is set.
func NewBufferPoolSimple(alloc Allocator, capacity uint32, useVideoMemory bool, opts ...PoolOption) (*BufferPool, error) {
	return NewBufferPool(alloc, capacity, UsageModeFromVideoMemory(useVideoMemory), opts...)
}

func (p *BufferPool) createBuffer(desc BufferDesc, mapped bool) (Allocation, []byte, error) {
	a, err := p.alloc.CreateBuffer(desc)
	if err != nil {
		return nil, nil, configErrorf(err, "creating %s", desc.Name)
	}
	if err := p.alloc.Bind(a); err != nil {
		p.destroyQuietly(a)
		return nil, nil, configErrorf(err, "binding %s", desc.Name)
	}

	var data []byte
	if mapped {
		data, err = p.alloc.Map(a)
		if err != nil {
			p.destroyQuietly(a)
			return nil, nil, configErrorf(err, "mapping %s", desc.Name)
		}
		if uint64(len(data)) < desc.Size {
			_ = p.alloc.Unmap(a)
			p.destroyQuietly(a)
			return nil, nil, configErrorf(nil, "mapping %s: got %d bytes, need %d", desc.Name, len(data), desc.Size)
		}
	}

	if p.namer != nil {
		if err := p.namer.SetBufferName(a.Buffer(), desc.Name); err != nil {
			p.log.WithError(err).Warnf("failed to name %s", desc.Name)
		}
	}
	return a, data, nil
}

func (p *BufferPool) destroyQuietly(a Allocation) {
	if err := p.alloc.Destroy(a); err != nil {
		p.log.WithError(err).Warn("failed to release partially created buffer")
	}
}

// Alloc reserves room for count elements of stride bytes, rounded up to
// Alignment. The returned slice aliases the host shadow of the range and is
// nil when the pool has no mapped host memory.
func (p *BufferPool) Alloc(count, stride uint32) (Descriptor, []byte, error) {
	if count == 0 || stride == 0 {
		return Descriptor{}, nil, errors.Wrapf(ErrInvalidRequest, "count=%d stride=%d", count, stride)
	}
	size := alignUp(uint64(count)*uint64(stride), Alignment)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return Descriptor{}, nil, ErrPoolDestroyed
	}

	// An allocation that would exactly fill the pool is rejected too.
	if uint64(p.cursor)+size >= uint64(p.capacity) {
		p.stats.Failures++
		p.log.WithFields(logrus.Fields{"size": size, "used": p.cursor}).Debug("buffer pool exhausted")
		return Descriptor{}, nil, errors.Wrapf(ErrPoolExhausted, "%s: need %d bytes, %d of %d used", p.name, size, p.cursor, p.capacity)
	}

	desc := Descriptor{
		Buffer: p.bufferForDescriptors(),
		Offset: p.cursor,
		Range:  uint32(size),
	}

	var data []byte
	if p.hostData != nil {
		end := uint64(p.cursor) + size
		data = p.hostData[p.cursor:end:end]
	}

	p.cursor += uint32(size)
	p.stats.Allocations++
	p.stats.BytesReserved += int64(size)

	return desc, data, nil
}

// AllocWithData reserves a range and copies data into its host shadow.
// Nothing is copied when the pool has no mapped host memory.
func (p *BufferPool) AllocWithData(count, stride uint32, data []byte) (Descriptor, error) {
	desc, dst, err := p.Alloc(count, stride)
	if err != nil {
		return desc, err
	}
	if dst != nil {
		n := uint64(count) * uint64(stride)
		if uint64(len(data)) < n {
			n = uint64(len(data))
		}
		copy(dst[:n], data[:n])
	}
	return desc, nil
}

func (p *BufferPool) bufferForDescriptors() BufferHandle {
	if p.device != nil {
		return p.device.Buffer()
	}
	if p.host != nil {
		return p.host.Buffer()
	}
	return NullBuffer
}

// Upload records a copy from the host shadow into the device buffer.
// A nil desc copies the whole capacity. Pools without an active staging
// buffer have nothing to copy and return nil.
func (p *BufferPool) Upload(rec CommandRecorder, desc *Descriptor) error {
	p.mu.Lock()
	active := p.stagingActive && !p.destroyed
	var src, dst BufferHandle
	if active {
		src, dst = p.host.Buffer(), p.device.Buffer()
	}
	p.mu.Unlock()

	if !active {
		return nil
	}
	if rec == nil {
		return errors.Wrap(ErrInvalidRequest, "nil command recorder")
	}

	region := BufferCopy{Size: uint64(p.capacity)}
	if desc != nil {
		if desc.Buffer != dst {
			return misusef("descriptor %s does not belong to pool %s (%s)", *desc, p.name, dst)
		}
		if desc.Range == 0 || desc.End() > uint64(p.capacity) {
			return misusef("descriptor %s is outside pool %s capacity %d", *desc, p.name, p.capacity)
		}
		region = BufferCopy{
			SrcOffset: uint64(desc.Offset),
			DstOffset: uint64(desc.Offset),
			Size:      uint64(desc.Range),
		}
	}

	rec.CopyBuffer(src, dst, region)

	p.mu.Lock()
	p.stats.Uploads++
	p.stats.BytesUploaded += int64(region.Size)
	p.mu.Unlock()
	return nil
}

// UploadAll records a copy of the entire host shadow
func (p *BufferPool) UploadAll(rec CommandRecorder) error {
	return p.Upload(rec, nil)
}

// ReleaseStaging frees the host shadow of a staging pool. The caller must
// have waited for every recorded upload to finish. Later calls are no-ops,
// and later allocations return no host slice.
func (p *BufferPool) ReleaseStaging() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.stagingActive {
		return nil
	}
	p.stagingActive = false
	err := p.releaseHost()
	p.log.Info("staging memory released")
	return err
}

func (p *BufferPool) releaseHost() error {
	if p.host == nil {
		return nil
	}
	var err error
	if p.hostData != nil {
		err = p.alloc.Unmap(p.host)
		p.hostData = nil
	}
	err = errors.CombineErrors(err, p.alloc.Destroy(p.host))
	p.host = nil
	return err
}

// Destroy releases every backing allocation. Descriptors handed out earlier
// must not be used afterwards. Calling Destroy again is a no-op.
func (p *BufferPool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil
	}
	p.destroyed = true
	p.stagingActive = false

	var err error
	if p.device != nil {
		err = p.alloc.Destroy(p.device)
		p.device = nil
	}
	err = errors.CombineErrors(err, p.releaseHost())

	p.log.WithField("used", p.cursor).Info("buffer pool destroyed")
	return err
}

// Capacity returns the fixed size of the pool
func (p *BufferPool) Capacity() uint32 { return p.capacity }

// Mode returns the usage mode chosen at creation
func (p *BufferPool) Mode() UsageMode { return p.mode }

// Name returns the pool label
func (p *BufferPool) Name() string { return p.name }

// Used returns the current cursor
func (p *BufferPool) Used() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Available returns the bytes left before the cursor reaches capacity
func (p *BufferPool) Available() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - p.cursor
}

// StagingActive reports whether uploads still have a host source
func (p *BufferPool) StagingActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stagingActive
}

// DeviceBuffer returns the device-local buffer, or NullBuffer
func (p *BufferPool) DeviceBuffer() BufferHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.device == nil {
		return NullBuffer
	}
	return p.device.Buffer()
}

// HostBuffer returns the host-visible buffer, or NullBuffer once released
func (p *BufferPool) HostBuffer() BufferHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.host == nil {
		return NullBuffer
	}
	return p.host.Buffer()
}

// Stats returns current pool statistics
func (p *BufferPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
