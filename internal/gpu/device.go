package gpu

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// MemoryProperty describes the capabilities of a memory type
type MemoryProperty uint32

const (
	MemoryPropertyDeviceLocal MemoryProperty = 1 << iota
	MemoryPropertyHostVisible
	MemoryPropertyHostCoherent
	MemoryPropertyHostCached
)

var memoryPropertyNames = []struct {
	flag MemoryProperty
	name string
}{
	{MemoryPropertyDeviceLocal, "DeviceLocal"},
	{MemoryPropertyHostVisible, "HostVisible"},
	{MemoryPropertyHostCoherent, "HostCoherent"},
	{MemoryPropertyHostCached, "HostCached"},
}

func (p MemoryProperty) String() string {
	var parts []string
	for _, n := range memoryPropertyNames {
		if p&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

// Has reports whether all bits of want are set
func (p MemoryProperty) Has(want MemoryProperty) bool {
	return p&want == want
}

// BufferUsage describes how a buffer may be bound or used by transfers
type BufferUsage uint32

const (
	BufferUsageTransferSrc BufferUsage = 1 << iota
	BufferUsageTransferDst
	BufferUsageUniformTexel
	BufferUsageStorageTexel
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageIndex
	BufferUsageVertex
	BufferUsageIndirect
)

var bufferUsageNames = []struct {
	flag BufferUsage
	name string
}{
	{BufferUsageTransferSrc, "TransferSrc"},
	{BufferUsageTransferDst, "TransferDst"},
	{BufferUsageUniformTexel, "UniformTexel"},
	{BufferUsageStorageTexel, "StorageTexel"},
	{BufferUsageUniform, "Uniform"},
	{BufferUsageStorage, "Storage"},
	{BufferUsageIndex, "Index"},
	{BufferUsageVertex, "Vertex"},
	{BufferUsageIndirect, "Indirect"},
}

func (u BufferUsage) String() string {
	var parts []string
	for _, n := range bufferUsageNames {
		if u&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

// Has reports whether all bits of want are set
func (u BufferUsage) Has(want BufferUsage) bool {
	return u&want == want
}

// BufferHandle identifies a buffer object owned by a device
type BufferHandle uint64

// NullBuffer is the zero handle; no live buffer ever uses it
const NullBuffer BufferHandle = 0

func (h BufferHandle) String() string {
	if h == NullBuffer {
		return "buffer(null)"
	}
	return fmt.Sprintf("buffer(%#x)", uint64(h))
}

// MemoryType is one entry of a device's memory type table
type MemoryType struct {
	PropertyFlags MemoryProperty
	HeapIndex     int
}

// MemoryRequirements is what a device reports for a buffer before binding
type MemoryRequirements struct {
	Size           uint64
	Alignment      uint64
	MemoryTypeBits uint32
}

// FindMemoryType returns the first memory type allowed by typeBits whose
// flags include every bit in required.
func FindMemoryType(types []MemoryType, typeBits uint32, required MemoryProperty) (int, bool) {
	for i, mt := range types {
		if i >= 32 {
			break
		}
		if typeBits&(1<<uint(i)) == 0 {
			continue
		}
		if mt.PropertyFlags.Has(required) {
			return i, true
		}
	}
	return -1, false
}

// UsageMode selects which backing allocations a pool owns
type UsageMode int

const (
	// UsageHostOnly backs the pool with host-visible memory only
	UsageHostOnly UsageMode = iota
	// UsageDeviceOnly backs the pool with device-local memory only
	UsageDeviceOnly
	// UsageHostStagingToDevice keeps a host-visible shadow that is copied
	// into a device-local buffer
	UsageHostStagingToDevice
)

func (m UsageMode) String() string {
	switch m {
	case UsageHostOnly:
		return "host"
	case UsageDeviceOnly:
		return "device"
	case UsageHostStagingToDevice:
		return "staging"
	default:
		return "unknown"
	}
}

// Valid reports whether m is one of the defined modes
func (m UsageMode) Valid() bool {
	return m >= UsageHostOnly && m <= UsageHostStagingToDevice
}

// HasHost reports whether the mode owns host-visible memory
func (m UsageMode) HasHost() bool {
	return m == UsageHostOnly || m == UsageHostStagingToDevice
}

// HasDevice reports whether the mode owns device-local memory
func (m UsageMode) HasDevice() bool {
	return m == UsageDeviceOnly || m == UsageHostStagingToDevice
}

// Staging reports whether the host memory is a transfer source for the device buffer
func (m UsageMode) Staging() bool {
	return m == UsageHostStagingToDevice
}

// ParseUsageMode parses a mode name as used in configuration files
func ParseUsageMode(s string) (UsageMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "host", "host-only", "hostonly", "sysmem":
		return UsageHostOnly, nil
	case "device", "device-only", "deviceonly", "vidmem":
		return UsageDeviceOnly, nil
	case "staging", "host-staging", "hoststagingtodevice":
		return UsageHostStagingToDevice, nil
	default:
		return UsageHostOnly, errors.Newf("unknown usage mode: %q", s)
	}
}

// UsageModeFromVideoMemory maps the legacy "use video memory" switch onto a mode.
// Video memory is always filled through a staging copy.
func UsageModeFromVideoMemory(useVideoMemory bool) UsageMode {
	if useVideoMemory {
		return UsageHostStagingToDevice
	}
	return UsageHostOnly
}

// MemoryIntent tells an Allocator which memory domain a buffer should live in
type MemoryIntent int

const (
	// IntentHostStaging is host-visible, host-coherent memory used as a transfer source
	IntentHostStaging MemoryIntent = iota
	// IntentHostOnly is host-visible, host-coherent memory read directly by the device;
	// cached memory is preferred when available
	IntentHostOnly
	// IntentDeviceLocal is device-local memory that is never mapped
	IntentDeviceLocal
)

func (i MemoryIntent) String() string {
	switch i {
	case IntentHostStaging:
		return "host-staging"
	case IntentHostOnly:
		return "host-only"
	case IntentDeviceLocal:
		return "device-local"
	default:
		return "unknown"
	}
}

// Required returns the memory properties a type must have to serve the intent
func (i MemoryIntent) Required() MemoryProperty {
	switch i {
	case IntentHostStaging, IntentHostOnly:
		return MemoryPropertyHostVisible | MemoryPropertyHostCoherent
	default:
		return MemoryPropertyDeviceLocal
	}
}

// Preferred returns Required plus any properties worth having when a device offers them
func (i MemoryIntent) Preferred() MemoryProperty {
	if i == IntentHostOnly {
		return i.Required() | MemoryPropertyHostCached
	}
	return i.Required()
}

// Mappable reports whether allocations for this intent are expected to be mapped
func (i MemoryIntent) Mappable() bool {
	return i != IntentDeviceLocal
}
