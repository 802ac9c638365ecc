package config

import (
	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"

	"github.com/whatevermarch/Cauldron/internal/gpu"
)

// Manifest describes a set of independent pools, one [[pool]] table each
type Manifest struct {
	Pools []PoolConfig `toml:"pool"`
}

// LoadManifest reads and validates a pool manifest
func LoadManifest(path string) (*Manifest, error) {
	m := &Manifest{}
	md, err := toml.DecodeFile(path, m)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding manifest %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Newf("manifest %s: unknown keys %v", path, undecoded)
	}

	if err := m.Validate(); err != nil {
		return nil, errors.Wrapf(err, "manifest %s", path)
	}
	return m, nil
}

// Validate checks every pool entry and rejects duplicate names
func (m *Manifest) Validate() error {
	if len(m.Pools) == 0 {
		return errors.New("no [[pool]] entries")
	}
	seen := make(map[string]bool, len(m.Pools))
	for i, p := range m.Pools {
		if p.Name == "" {
			return errors.Newf("pool %d: name is required", i)
		}
		if seen[p.Name] {
			return errors.Newf("pool %q defined twice", p.Name)
		}
		seen[p.Name] = true
		if p.Capacity == 0 {
			return errors.Newf("pool %q: capacity must be positive", p.Name)
		}
		if _, err := gpu.ParseUsageMode(p.Mode); err != nil {
			return errors.Wrapf(err, "pool %q", p.Name)
		}
	}
	return nil
}

// TotalCapacity sums the capacities of every pool per memory domain
func (m *Manifest) TotalCapacity() (host, device uint64) {
	for _, p := range m.Pools {
		mode, err := p.UsageMode()
		if err != nil {
			continue
		}
		if mode.HasHost() {
			host += uint64(p.Capacity)
		}
		if mode.HasDevice() {
			device += uint64(p.Capacity)
		}
	}
	return host, device
}
