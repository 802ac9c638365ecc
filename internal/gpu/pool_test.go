package gpu

import (
	"bytes"
	"sort"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
)

func newTestPool(t *testing.T, capacity uint32, mode UsageMode) (*BufferPool, *fakeAllocator) {
	t.Helper()
	alloc := newFakeAllocator()
	pool, err := NewBufferPool(alloc, capacity, mode, WithName("test"))
	if err != nil {
		t.Fatalf("NewBufferPool failed: %v", err)
	}
	return pool, alloc
}

func TestBufferPoolAlignment(t *testing.T) {
	pool, _ := newTestPool(t, 1<<20, UsageHostStagingToDevice)
	defer pool.Destroy()

	tests := []struct {
		count, stride uint32
		want          uint32
	}{
		{1, 1, 256},
		{1, 256, 256},
		{1, 257, 512},
		{3, 100, 512},
		{64, 16, 1024},
		{10, 1000, 10240},
	}

	for _, tt := range tests {
		desc, data, err := pool.Alloc(tt.count, tt.stride)
		if err != nil {
			t.Fatalf("Alloc(%d, %d) failed: %v", tt.count, tt.stride, err)
		}
		if desc.Range != tt.want {
			t.Errorf("Alloc(%d, %d) range = %d, want %d", tt.count, tt.stride, desc.Range, tt.want)
		}
		if desc.Range%Alignment != 0 || desc.Offset%Alignment != 0 {
			t.Errorf("Alloc(%d, %d) not aligned: %s", tt.count, tt.stride, desc)
		}
		if uint64(desc.Range) < uint64(tt.count)*uint64(tt.stride) {
			t.Errorf("Alloc(%d, %d) range %d smaller than request", tt.count, tt.stride, desc.Range)
		}
		if len(data) != int(desc.Range) {
			t.Errorf("host slice length = %d, want %d", len(data), desc.Range)
		}
	}
}

func TestBufferPoolCursorAccounting(t *testing.T) {
	pool, _ := newTestPool(t, 8192, UsageHostOnly)
	defer pool.Destroy()

	var sum uint32
	var prev *Descriptor
	for i := 0; i < 5; i++ {
		desc, _, err := pool.Alloc(uint32(i+1), 200)
		if err != nil {
			t.Fatalf("Alloc %d failed: %v", i, err)
		}
		if desc.Offset != sum {
			t.Errorf("allocation %d offset = %d, want %d", i, desc.Offset, sum)
		}
		if prev != nil && desc.Offset <= prev.Offset {
			t.Errorf("offsets not increasing: %d after %d", desc.Offset, prev.Offset)
		}
		sum += desc.Range
		d := desc
		prev = &d
	}

	if pool.Used() != sum {
		t.Errorf("Used() = %d, want %d", pool.Used(), sum)
	}
	if pool.Available() != 8192-sum {
		t.Errorf("Available() = %d, want %d", pool.Available(), 8192-sum)
	}

	stats := pool.Stats()
	if stats.Allocations != 5 {
		t.Errorf("Expected 5 allocations, got %d", stats.Allocations)
	}
	if stats.BytesReserved != int64(sum) {
		t.Errorf("Expected %d reserved bytes, got %d", sum, stats.BytesReserved)
	}
}

func TestBufferPoolCapacityBoundary(t *testing.T) {
	tests := []struct {
		name   string
		stride uint32
		ok     bool
	}{
		{"overflows", 900, false},
		{"exact fit is rejected", 700, false},
		{"fits", 500, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, _ := newTestPool(t, 1024, UsageHostStagingToDevice)
			defer pool.Destroy()

			first, _, err := pool.Alloc(1, 100)
			if err != nil {
				t.Fatalf("first Alloc failed: %v", err)
			}
			if first.Range != 256 {
				t.Fatalf("first range = %d, want 256", first.Range)
			}

			_, _, err = pool.Alloc(1, tt.stride)
			if tt.ok && err != nil {
				t.Errorf("Alloc(1, %d) failed: %v", tt.stride, err)
			}
			if !tt.ok {
				if !errors.Is(err, ErrPoolExhausted) {
					t.Errorf("Alloc(1, %d) error = %v, want ErrPoolExhausted", tt.stride, err)
				}
				if pool.Used() != 256 {
					t.Errorf("failed Alloc moved cursor to %d", pool.Used())
				}
				if pool.Stats().Failures != 1 {
					t.Errorf("Expected 1 failure, got %d", pool.Stats().Failures)
				}
			}
		})
	}
}

func TestBufferPoolWholeCapacityRejected(t *testing.T) {
	pool, _ := newTestPool(t, 4096, UsageHostOnly)
	defer pool.Destroy()

	if _, _, err := pool.Alloc(16, 256); !IsExhausted(err) {
		t.Errorf("allocating the whole pool should fail, got %v", err)
	}
	if _, _, err := pool.Alloc(15, 256); err != nil {
		t.Errorf("allocating all but one block failed: %v", err)
	}
	if _, _, err := pool.Alloc(1, 1); !IsExhausted(err) {
		t.Errorf("last block should be unusable, got %v", err)
	}
}

func TestBufferPoolInvalidRequest(t *testing.T) {
	pool, _ := newTestPool(t, 4096, UsageHostOnly)
	defer pool.Destroy()

	if _, _, err := pool.Alloc(0, 16); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("zero count: got %v", err)
	}
	if _, _, err := pool.Alloc(16, 0); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("zero stride: got %v", err)
	}
	if pool.Used() != 0 {
		t.Errorf("invalid requests moved cursor to %d", pool.Used())
	}
}

func TestBufferPoolLargeRequestDoesNotWrap(t *testing.T) {
	pool, _ := newTestPool(t, 4096, UsageHostOnly)
	defer pool.Destroy()

	if _, _, err := pool.Alloc(1<<20, 1<<16); !IsExhausted(err) {
		t.Errorf("oversized request should exhaust, got %v", err)
	}
}

func TestBufferPoolDescriptorBuffer(t *testing.T) {
	tests := []struct {
		mode     UsageMode
		hostData bool
	}{
		{UsageHostOnly, true},
		{UsageDeviceOnly, false},
		{UsageHostStagingToDevice, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			pool, _ := newTestPool(t, 4096, tt.mode)
			defer pool.Destroy()

			desc, data, err := pool.Alloc(4, 16)
			if err != nil {
				t.Fatalf("Alloc failed: %v", err)
			}

			want := pool.HostBuffer()
			if tt.mode.HasDevice() {
				want = pool.DeviceBuffer()
			}
			if desc.Buffer != want {
				t.Errorf("descriptor buffer = %s, want %s", desc.Buffer, want)
			}
			if (data != nil) != tt.hostData {
				t.Errorf("host slice present = %v, want %v", data != nil, tt.hostData)
			}
		})
	}
}

func TestBufferPoolDeviceOnlyNeverReturnsHostSlice(t *testing.T) {
	pool, alloc := newTestPool(t, 1<<16, UsageDeviceOnly)
	defer pool.Destroy()

	for i := 0; i < 20; i++ {
		_, data, err := pool.Alloc(uint32(i+1), 8)
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
		if data != nil {
			t.Fatal("device-only pool returned a host slice")
		}
	}

	if len(alloc.created) != 1 || alloc.created[0].Intent != IntentDeviceLocal {
		t.Errorf("device-only pool created %+v", alloc.created)
	}
	if pool.HostBuffer() != NullBuffer {
		t.Error("device-only pool has a host buffer")
	}
}

func TestBufferPoolCreationUsage(t *testing.T) {
	t.Run("staging", func(t *testing.T) {
		pool, alloc := newTestPool(t, 4096, UsageHostStagingToDevice)
		defer pool.Destroy()

		if len(alloc.created) != 2 {
			t.Fatalf("Expected 2 buffers, got %d", len(alloc.created))
		}
		host, dev := alloc.created[0], alloc.created[1]
		if host.Intent != IntentHostStaging || host.Usage != BufferUsageTransferSrc {
			t.Errorf("staging host buffer = %+v", host)
		}
		if dev.Intent != IntentDeviceLocal || !dev.Usage.Has(BufferUsageTransferDst|BufferUsageVertex|BufferUsageIndex|BufferUsageUniform) {
			t.Errorf("staging device buffer = %+v", dev)
		}
		if dev.Usage.Has(BufferUsageStorage) {
			t.Errorf("staging device buffer should not be storage: %s", dev.Usage)
		}
		if host.Name != "test (sys mem)" || dev.Name != "test (vid mem)" {
			t.Errorf("unexpected names %q, %q", host.Name, dev.Name)
		}
	})

	t.Run("host", func(t *testing.T) {
		pool, alloc := newTestPool(t, 4096, UsageHostOnly)
		defer pool.Destroy()

		if len(alloc.created) != 1 {
			t.Fatalf("Expected 1 buffer, got %d", len(alloc.created))
		}
		host := alloc.created[0]
		if host.Intent != IntentHostOnly {
			t.Errorf("host intent = %s", host.Intent)
		}
		if !host.Usage.Has(BufferUsageStorage|BufferUsageIndirect|BufferUsageVertex) || host.Usage.Has(BufferUsageTransferSrc) {
			t.Errorf("host usage = %s", host.Usage)
		}
		if !alloc.allocation(pool.HostBuffer()).mapped {
			t.Error("host buffer not mapped")
		}
	})
}

func TestBufferPoolSimple(t *testing.T) {
	alloc := newFakeAllocator()
	pool, err := NewBufferPoolSimple(alloc, 4096, true)
	if err != nil {
		t.Fatalf("NewBufferPoolSimple failed: %v", err)
	}
	defer pool.Destroy()

	if pool.Mode() != UsageHostStagingToDevice {
		t.Errorf("mode = %s, want staging", pool.Mode())
	}
	if pool.Name() != "BufferPool" {
		t.Errorf("default name = %q", pool.Name())
	}
}

func TestBufferPoolCreationFailures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name  string
		setup func(*fakeAllocator)
		mode  UsageMode
	}{
		{"device create fails", func(f *fakeAllocator) {
			f.failCreate = func(d BufferDesc) error {
				if d.Intent == IntentDeviceLocal {
					return boom
				}
				return nil
			}
		}, UsageHostStagingToDevice},
		{"host create fails", func(f *fakeAllocator) {
			f.failCreate = func(BufferDesc) error { return boom }
		}, UsageHostOnly},
		{"bind fails", func(f *fakeAllocator) { f.failBind = boom }, UsageDeviceOnly},
		{"map fails", func(f *fakeAllocator) { f.failMap = boom }, UsageHostStagingToDevice},
		{"short map", func(f *fakeAllocator) { f.shortMap = true }, UsageHostOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc := newFakeAllocator()
			tt.setup(alloc)

			pool, err := NewBufferPool(alloc, 4096, tt.mode)
			if err == nil {
				t.Fatal("expected creation to fail")
			}
			if pool != nil {
				t.Error("failed creation returned a pool")
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("error %v is not ErrConfiguration", err)
			}
			if alloc.liveCount() != 0 {
				t.Errorf("%d allocations leaked", alloc.liveCount())
			}
		})
	}
}

func TestBufferPoolInvalidConfiguration(t *testing.T) {
	if _, err := NewBufferPool(nil, 4096, UsageHostOnly); !errors.Is(err, ErrConfiguration) {
		t.Errorf("nil allocator: got %v", err)
	}
	if _, err := NewBufferPool(newFakeAllocator(), 0, UsageHostOnly); !errors.Is(err, ErrConfiguration) {
		t.Errorf("zero capacity: got %v", err)
	}
	if _, err := NewBufferPool(newFakeAllocator(), 4096, UsageMode(42)); !errors.Is(err, ErrConfiguration) {
		t.Errorf("bad mode: got %v", err)
	}
}

func TestBufferPoolNamer(t *testing.T) {
	namer := &fakeNamer{}
	pool, err := NewBufferPool(newFakeAllocator(), 4096, UsageHostStagingToDevice, WithName("geometry"), WithNamer(namer))
	if err != nil {
		t.Fatalf("NewBufferPool failed: %v", err)
	}
	defer pool.Destroy()

	if got := namer.names[pool.HostBuffer()]; got != "geometry (sys mem)" {
		t.Errorf("host name = %q", got)
	}
	if got := namer.names[pool.DeviceBuffer()]; got != "geometry (vid mem)" {
		t.Errorf("device name = %q", got)
	}

	failing := &fakeNamer{err: errors.New("no debug utils")}
	pool2, err := NewBufferPool(newFakeAllocator(), 4096, UsageHostOnly, WithNamer(failing))
	if err != nil {
		t.Fatalf("naming failure should not be fatal: %v", err)
	}
	pool2.Destroy()
}

func TestBufferPoolAllocWithData(t *testing.T) {
	pool, alloc := newTestPool(t, 4096, UsageHostStagingToDevice)
	defer pool.Destroy()

	payload := []byte("vertex data goes here")
	desc, err := pool.AllocWithData(uint32(len(payload)), 1, payload)
	if err != nil {
		t.Fatalf("AllocWithData failed: %v", err)
	}

	host := alloc.allocation(pool.HostBuffer())
	got := host.data[desc.Offset : int(desc.Offset)+len(payload)]
	if !bytes.Equal(got, payload) {
		t.Errorf("host shadow = %q, want %q", got, payload)
	}

	// Device-only pools have nowhere to copy to.
	devPool, _ := newTestPool(t, 4096, UsageDeviceOnly)
	defer devPool.Destroy()
	if _, err := devPool.AllocWithData(uint32(len(payload)), 1, payload); err != nil {
		t.Errorf("AllocWithData on device-only pool failed: %v", err)
	}
}

func TestBufferPoolUpload(t *testing.T) {
	pool, _ := newTestPool(t, 4096, UsageHostStagingToDevice)
	defer pool.Destroy()

	desc, _, err := pool.Alloc(10, 40)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	rec := &fakeRecorder{}
	if err := pool.Upload(rec, &desc); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if err := pool.UploadAll(rec); err != nil {
		t.Fatalf("UploadAll failed: %v", err)
	}

	if len(rec.copies) != 2 {
		t.Fatalf("Expected 2 copies, got %d", len(rec.copies))
	}
	for _, c := range rec.copies {
		if c.src != pool.HostBuffer() || c.dst != pool.DeviceBuffer() {
			t.Errorf("copy %s -> %s, want host -> device", c.src, c.dst)
		}
	}

	want := BufferCopy{SrcOffset: uint64(desc.Offset), DstOffset: uint64(desc.Offset), Size: uint64(desc.Range)}
	if rec.copies[0].region != want {
		t.Errorf("range copy = %+v, want %+v", rec.copies[0].region, want)
	}
	if whole := (BufferCopy{Size: 4096}); rec.copies[1].region != whole {
		t.Errorf("whole copy = %+v, want %+v", rec.copies[1].region, whole)
	}

	stats := pool.Stats()
	if stats.Uploads != 2 || stats.BytesUploaded != int64(desc.Range)+4096 {
		t.Errorf("upload stats = %+v", stats)
	}
}

func TestBufferPoolUploadMisuse(t *testing.T) {
	pool, _ := newTestPool(t, 4096, UsageHostStagingToDevice)
	defer pool.Destroy()
	other, _ := newTestPool(t, 4096, UsageHostStagingToDevice)
	defer other.Destroy()

	if pool.DeviceBuffer() == other.DeviceBuffer() {
		t.Fatalf("pools share device buffer %s", pool.DeviceBuffer())
	}
	foreign, _, err := other.Alloc(1, 64)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	rec := &fakeRecorder{}
	err = pool.Upload(rec, &foreign)
	if !errors.Is(err, ErrUsageMisuse) {
		t.Errorf("foreign descriptor: got %v, want ErrUsageMisuse", err)
	}
	if !errors.HasAssertionFailure(err) {
		t.Errorf("foreign descriptor error should be an assertion failure: %v", err)
	}

	hostSide := Descriptor{Buffer: pool.HostBuffer(), Offset: 0, Range: 256}
	if err := pool.Upload(rec, &hostSide); !errors.Is(err, ErrUsageMisuse) {
		t.Errorf("host buffer descriptor: got %v", err)
	}

	outside := Descriptor{Buffer: pool.DeviceBuffer(), Offset: 4096, Range: 256}
	if err := pool.Upload(rec, &outside); !errors.Is(err, ErrUsageMisuse) {
		t.Errorf("out-of-range descriptor: got %v", err)
	}

	if len(rec.copies) != 0 {
		t.Errorf("misuse recorded %d copies", len(rec.copies))
	}

	if err := pool.Upload(nil, nil); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("nil recorder: got %v", err)
	}
}

func TestFakeAllocatorsUseDistinctHandles(t *testing.T) {
	seen := make(map[BufferHandle]bool)
	for i := 0; i < 4; i++ {
		pool, _ := newTestPool(t, 4096, UsageHostStagingToDevice)
		for _, h := range []BufferHandle{pool.HostBuffer(), pool.DeviceBuffer()} {
			if seen[h] {
				t.Errorf("handle %s handed out twice", h)
			}
			seen[h] = true
		}
		pool.Destroy()
	}
}

func TestBufferPoolUploadNoop(t *testing.T) {
	for _, mode := range []UsageMode{UsageHostOnly, UsageDeviceOnly} {
		t.Run(mode.String(), func(t *testing.T) {
			pool, _ := newTestPool(t, 4096, mode)
			defer pool.Destroy()

			desc, _, _ := pool.Alloc(1, 64)
			rec := &fakeRecorder{}
			if err := pool.Upload(rec, &desc); err != nil {
				t.Errorf("Upload failed: %v", err)
			}
			if err := pool.UploadAll(nil); err != nil {
				t.Errorf("UploadAll with nil recorder should be a no-op: %v", err)
			}
			if len(rec.copies) != 0 {
				t.Errorf("non-staging pool recorded %d copies", len(rec.copies))
			}
		})
	}
}

func TestBufferPoolReleaseStaging(t *testing.T) {
	pool, alloc := newTestPool(t, 4096, UsageHostStagingToDevice)
	defer pool.Destroy()

	before, data, _ := pool.Alloc(1, 64)
	if data == nil {
		t.Fatal("staging pool returned no host slice")
	}
	host := pool.HostBuffer()

	if err := pool.ReleaseStaging(); err != nil {
		t.Fatalf("ReleaseStaging failed: %v", err)
	}
	if err := pool.ReleaseStaging(); err != nil {
		t.Fatalf("second ReleaseStaging failed: %v", err)
	}

	if len(alloc.destroyed) != 1 || alloc.destroyed[0] != host {
		t.Errorf("destroyed = %v, want [%s]", alloc.destroyed, host)
	}
	if len(alloc.unmapped) != 1 {
		t.Errorf("unmapped %d times, want 1", len(alloc.unmapped))
	}
	if pool.StagingActive() {
		t.Error("staging still active after release")
	}
	if pool.HostBuffer() != NullBuffer {
		t.Error("host buffer still reported after release")
	}

	after, data, err := pool.Alloc(1, 64)
	if err != nil {
		t.Fatalf("Alloc after release failed: %v", err)
	}
	if data != nil {
		t.Error("host slice returned after staging release")
	}
	if after.Buffer != before.Buffer || after.Offset <= before.Offset {
		t.Errorf("descriptor after release = %s, before = %s", after, before)
	}

	rec := &fakeRecorder{}
	if err := pool.Upload(rec, &after); err != nil || len(rec.copies) != 0 {
		t.Errorf("Upload after release: err=%v copies=%d", err, len(rec.copies))
	}
}

func TestBufferPoolReleaseStagingNoopForHostOnly(t *testing.T) {
	pool, alloc := newTestPool(t, 4096, UsageHostOnly)
	defer pool.Destroy()

	if err := pool.ReleaseStaging(); err != nil {
		t.Fatalf("ReleaseStaging failed: %v", err)
	}
	if len(alloc.destroyed) != 0 {
		t.Error("ReleaseStaging freed the only buffer of a host-only pool")
	}
	if _, data, _ := pool.Alloc(1, 1); data == nil {
		t.Error("host-only pool lost its host slice")
	}
}

func TestBufferPoolDestroy(t *testing.T) {
	pool, alloc := newTestPool(t, 4096, UsageHostStagingToDevice)

	if err := pool.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := pool.Destroy(); err != nil {
		t.Fatalf("second Destroy failed: %v", err)
	}
	if alloc.liveCount() != 0 {
		t.Errorf("%d allocations still live", alloc.liveCount())
	}
	if len(alloc.destroyed) != 2 {
		t.Errorf("destroyed %d buffers, want 2", len(alloc.destroyed))
	}
	if _, _, err := pool.Alloc(1, 1); !errors.Is(err, ErrPoolDestroyed) {
		t.Errorf("Alloc after Destroy: got %v", err)
	}
	if err := pool.ReleaseStaging(); err != nil {
		t.Errorf("ReleaseStaging after Destroy: %v", err)
	}
}

func TestBufferPoolDestroyAfterReleaseStaging(t *testing.T) {
	pool, alloc := newTestPool(t, 4096, UsageHostStagingToDevice)

	if err := pool.ReleaseStaging(); err != nil {
		t.Fatalf("ReleaseStaging failed: %v", err)
	}
	if err := pool.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if len(alloc.destroyed) != 2 {
		t.Errorf("destroyed %d buffers, want 2", len(alloc.destroyed))
	}
}

func TestBufferPoolConcurrentAlloc(t *testing.T) {
	const (
		workers  = 16
		requests = 200
	)
	pool, _ := newTestPool(t, 16<<20, UsageHostStagingToDevice)
	defer pool.Destroy()

	var (
		mu    sync.Mutex
		descs []Descriptor
		wg    sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			local := make([]Descriptor, 0, requests)
			for i := 0; i < requests; i++ {
				desc, data, err := pool.Alloc(uint32(i%7+1), uint32(w*13+1))
				if err != nil {
					t.Errorf("worker %d: Alloc failed: %v", w, err)
					return
				}
				// Each worker owns its range; writes must not race.
				for j := range data {
					data[j] = byte(w)
				}
				local = append(local, desc)
			}
			mu.Lock()
			descs = append(descs, local...)
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	if len(descs) != workers*requests {
		t.Fatalf("Expected %d descriptors, got %d", workers*requests, len(descs))
	}

	sort.Slice(descs, func(i, j int) bool { return descs[i].Offset < descs[j].Offset })
	var sum uint64
	for i, d := range descs {
		sum += uint64(d.Range)
		if i > 0 && descs[i-1].Overlaps(d) {
			t.Fatalf("overlapping ranges %s and %s", descs[i-1], d)
		}
		if i > 0 && descs[i-1].End() > uint64(d.Offset) {
			t.Fatalf("ranges %s and %s intersect", descs[i-1], d)
		}
	}
	if uint64(pool.Used()) != sum {
		t.Errorf("Used() = %d, want %d", pool.Used(), sum)
	}
}
