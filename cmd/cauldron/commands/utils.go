package commands

import (
	"hash"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/whatevermarch/Cauldron/internal/config"
	"github.com/whatevermarch/Cauldron/internal/gpu"
	"github.com/whatevermarch/Cauldron/internal/gpu/soft"
	"github.com/whatevermarch/Cauldron/internal/logging"
	"github.com/whatevermarch/Cauldron/internal/system"
)

// openDevice creates the software device and the configured allocation strategy
func openDevice(c *config.Config) (*soft.Device, gpu.Allocator, error) {
	deviceBytes, hostBytes := c.Device.HeapBytes()
	if err := system.CheckHostBudget(hostBytes); err != nil {
		logging.WithComponent("cli").WithError(err).Warn("host heap may not fit in RAM")
	}

	dev, err := soft.NewDevice(
		soft.WithHeapSizes(deviceBytes, hostBytes),
		soft.WithLogger(logging.WithComponent("softgpu")),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating device")
	}

	alloc, err := soft.NewAllocator(dev, c.Device.Strategy)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return dev, alloc, nil
}

// fillPattern writes a byte sequence derived from seed so ranges can be told apart
func fillPattern(dst []byte, seed uint32) {
	x := seed*2654435761 + 1
	for i := range dst {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		dst[i] = byte(x)
	}
}

// newDigest returns a BLAKE2b-256 hash used to compare staged and read-back bytes
func newDigest() (hash.Hash, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating digest")
	}
	return h, nil
}
