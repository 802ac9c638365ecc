package system

import "golang.org/x/sys/unix"

func getRAMInfo() (*RAMInfo, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return nil, err
	}

	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	total := int64(uint64(si.Totalram) * unit)
	available := int64((uint64(si.Freeram) + uint64(si.Bufferram)) * unit)

	return &RAMInfo{
		TotalBytes:     total,
		AvailableBytes: available,
		UsedBytes:      total - available,
	}, nil
}
