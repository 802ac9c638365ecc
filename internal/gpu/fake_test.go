package gpu

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

type fakeAllocation struct {
	handle BufferHandle
	desc   BufferDesc
	data   []byte
	bound  bool
	mapped bool
}

func (a *fakeAllocation) Buffer() BufferHandle { return a.handle }
func (a *fakeAllocation) Size() uint64         { return a.desc.Size }

// fakeAllocator records every call so tests can check the pool's
// lifecycle without a device.
type fakeAllocator struct {
	mu        sync.Mutex
	next      BufferHandle
	live      map[BufferHandle]*fakeAllocation
	created   []BufferDesc
	destroyed []BufferHandle
	unmapped  []BufferHandle

	failCreate func(BufferDesc) error
	failBind   error
	failMap    error
	shortMap   bool
}

// fakeHandleBase gives every fake allocator its own handle range
var fakeHandleBase uint64

func newFakeAllocator() *fakeAllocator {
	base := BufferHandle(atomic.AddUint64(&fakeHandleBase, 0x1000))
	return &fakeAllocator{next: base, live: make(map[BufferHandle]*fakeAllocation)}
}

func (f *fakeAllocator) CreateBuffer(desc BufferDesc) (Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		if err := f.failCreate(desc); err != nil {
			return nil, err
		}
	}
	f.next++
	a := &fakeAllocation{handle: f.next, desc: desc}
	if desc.Intent.Mappable() {
		a.data = make([]byte, desc.Size)
	}
	f.live[a.handle] = a
	f.created = append(f.created, desc)
	return a, nil
}

func (f *fakeAllocator) Bind(a Allocation) error {
	if f.failBind != nil {
		return f.failBind
	}
	a.(*fakeAllocation).bound = true
	return nil
}

func (f *fakeAllocator) Map(a Allocation) ([]byte, error) {
	if f.failMap != nil {
		return nil, f.failMap
	}
	fa := a.(*fakeAllocation)
	if fa.data == nil {
		return nil, errors.New("not mappable")
	}
	fa.mapped = true
	if f.shortMap {
		return fa.data[:len(fa.data)/2], nil
	}
	return fa.data, nil
}

func (f *fakeAllocator) Unmap(a Allocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.(*fakeAllocation).mapped = false
	f.unmapped = append(f.unmapped, a.Buffer())
	return nil
}

func (f *fakeAllocator) Destroy(a Allocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[a.Buffer()]; !ok {
		return errors.New("double destroy")
	}
	delete(f.live, a.Buffer())
	f.destroyed = append(f.destroyed, a.Buffer())
	return nil
}

func (f *fakeAllocator) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeAllocator) allocation(h BufferHandle) *fakeAllocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[h]
}

type recordedCopy struct {
	src, dst BufferHandle
	region   BufferCopy
}

type fakeRecorder struct {
	copies []recordedCopy
}

func (r *fakeRecorder) CopyBuffer(src, dst BufferHandle, regions ...BufferCopy) {
	for _, reg := range regions {
		r.copies = append(r.copies, recordedCopy{src: src, dst: dst, region: reg})
	}
}

type fakeNamer struct {
	names map[BufferHandle]string
	err   error
}

func (n *fakeNamer) SetBufferName(h BufferHandle, name string) error {
	if n.err != nil {
		return n.err
	}
	if n.names == nil {
		n.names = make(map[BufferHandle]string)
	}
	n.names[h] = name
	return nil
}
