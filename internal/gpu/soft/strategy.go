package soft

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/whatevermarch/Cauldron/internal/gpu"
)

var (
	_ gpu.Allocator       = (*RawAllocator)(nil)
	_ gpu.Allocator       = (*ManagedAllocator)(nil)
	_ gpu.CommandRecorder = (*CommandBuffer)(nil)
	_ gpu.ResourceNamer   = (*Device)(nil)
)

// Strategy names accepted by NewAllocator
const (
	StrategyManaged = "managed"
	StrategyRaw     = "raw"
)

// NewAllocator returns the allocation strategy named by strategy
func NewAllocator(dev *Device, strategy string) (gpu.Allocator, error) {
	switch strings.ToLower(strategy) {
	case "", StrategyManaged:
		return NewManagedAllocator(dev), nil
	case StrategyRaw:
		raw, err := NewRawAllocator(dev)
		if err != nil {
			return nil, err
		}
		return raw, nil
	default:
		return nil, errors.Newf("unknown allocation strategy %q", strategy)
	}
}
