//go:build unix

package soft

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// allocHostMemory maps anonymous pages so host-visible allocations live
// outside the Go heap, like driver-mapped memory does.
func allocHostMemory(size uint64) ([]byte, func() error, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mmap %d bytes", size)
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
