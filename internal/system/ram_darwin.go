package system

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func getRAMInfo() (*RAMInfo, error) {
	total, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return nil, errors.Wrap(err, "sysctl hw.memsize")
	}

	free, err := unix.SysctlUint32("vm.page_free_count")
	if err != nil {
		return nil, errors.Wrap(err, "sysctl vm.page_free_count")
	}
	available := uint64(free) * uint64(unix.Getpagesize())
	if available > total {
		available = total
	}

	return &RAMInfo{
		TotalBytes:     int64(total),
		AvailableBytes: int64(available),
		UsedBytes:      int64(total - available),
	}, nil
}
