package system

import (
	"fmt"
	"runtime"

	"github.com/cockroachdb/errors"
)

// ErrInsufficientRAM means a host memory request exceeds what the machine can spare
var ErrInsufficientRAM = errors.New("insufficient host memory")

// ReservedBytes is left for the OS and other processes
const ReservedBytes = int64(2 << 30)

// RAMInfo contains information about system memory
type RAMInfo struct {
	TotalBytes     int64
	AvailableBytes int64
	UsedBytes      int64
}

// GetRAMInfo returns information about system RAM
func GetRAMInfo() (*RAMInfo, error) {
	info, err := getRAMInfo()
	if err != nil {
		return nil, errors.Wrap(err, "reading system memory")
	}
	return info, nil
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// EstimateUsableRAM returns available RAM minus ReservedBytes
func EstimateUsableRAM() (int64, error) {
	info, err := GetRAMInfo()
	if err != nil {
		return 0, err
	}
	return usable(info), nil
}

func usable(info *RAMInfo) int64 {
	if info.AvailableBytes < ReservedBytes {
		return 0
	}
	return info.AvailableBytes - ReservedBytes
}

// CheckHostBudget reports whether bytes of host-visible memory can be
// reserved without eating into ReservedBytes.
func CheckHostBudget(bytes uint64) error {
	info, err := GetRAMInfo()
	if err != nil {
		return err
	}
	return checkBudget(info, bytes)
}

func checkBudget(info *RAMInfo, bytes uint64) error {
	avail := usable(info)
	if bytes > uint64(avail) {
		return errors.Wrapf(ErrInsufficientRAM, "need %s, %s usable",
			FormatBytes(int64(bytes)), FormatBytes(avail))
	}
	return nil
}

// GetPlatform returns the current platform
func GetPlatform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}
