package commands

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/whatevermarch/Cauldron/internal/config"
	"github.com/whatevermarch/Cauldron/internal/gpu"
	"github.com/whatevermarch/Cauldron/internal/logging"
	"github.com/whatevermarch/Cauldron/internal/system"
)

var (
	stressManifest string
	stressSeed     int64
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Allocate concurrently and check the pool invariants",
	Long: `Run several workers that allocate randomly sized ranges from the same
pool until their request budget is spent or the pool is full. Afterwards
every granted range is checked: aligned, inside the pool, disjoint from all
others and still holding the bytes its worker wrote.

With --manifest, every [[pool]] in the TOML file is stressed at once.`,
	RunE: runStress,
}

func init() {
	defaults := config.DefaultConfig()
	stressCmd.Flags().Int("workers", defaults.Stress.Workers, "concurrent workers per pool")
	stressCmd.Flags().Int("requests", defaults.Stress.Requests, "allocation requests per worker")
	stressCmd.Flags().StringVar(&stressManifest, "manifest", "", "TOML file listing pools to stress together")
	stressCmd.Flags().Int64Var(&stressSeed, "seed", 1, "random seed")

	viper.BindPFlag("stress.workers", stressCmd.Flags().Lookup("workers"))
	viper.BindPFlag("stress.requests", stressCmd.Flags().Lookup("requests"))
	rootCmd.AddCommand(stressCmd)
}

type stressOptions struct {
	Workers   int
	Requests  int
	MaxCount  uint32
	MaxStride uint32
	Seed      int64
}

type stressResult struct {
	Pool      string
	Mode      gpu.UsageMode
	Granted   int
	Exhausted int
	Used      uint32
	Capacity  uint32
}

type grant struct {
	worker int
	desc   gpu.Descriptor
	data   []byte
}

func runStress(cmd *cobra.Command, args []string) error {
	pools := []config.PoolConfig{cfg.Pool}
	if stressManifest != "" {
		m, err := config.LoadManifest(stressManifest)
		if err != nil {
			return err
		}
		host, _ := m.TotalCapacity()
		if err := system.CheckHostBudget(host); err != nil {
			logging.WithComponent("stress").WithError(err).Warn("manifest host pools may not fit in RAM")
		}
		pools = m.Pools
	}

	dev, alloc, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	opts := stressOptions{
		Workers:   cfg.Stress.Workers,
		Requests:  cfg.Stress.Requests,
		MaxCount:  cfg.Stress.MaxCount,
		MaxStride: cfg.Stress.MaxStride,
		Seed:      stressSeed,
	}

	results := make([]*stressResult, len(pools))
	errs := make([]error, len(pools))
	var wg sync.WaitGroup
	for i, pc := range pools {
		wg.Add(1)
		go func(i int, pc config.PoolConfig) {
			defer wg.Done()
			mode, err := pc.UsageMode()
			if err != nil {
				errs[i] = err
				return
			}
			pool, err := gpu.NewBufferPool(alloc, pc.Capacity, mode, gpu.WithName(pc.Name), gpu.WithNamer(dev))
			if err != nil {
				errs[i] = err
				return
			}
			defer pool.Destroy()

			o := opts
			o.Seed += int64(i) * 1000
			results[i], errs[i] = stressPool(pool, o)
		}(i, pc)
	}
	wg.Wait()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-16s %-8s %8s %9s %12s\n", "POOL", "MODE", "GRANTED", "EXHAUSTED", "USED")
	for _, r := range results {
		if r == nil {
			continue
		}
		fmt.Fprintf(out, "%-16s %-8s %8d %9d %12s\n", r.Pool, r.Mode, r.Granted, r.Exhausted,
			fmt.Sprintf("%d/%d", r.Used, r.Capacity))
	}

	var combined error
	for i, err := range errs {
		if err != nil {
			combined = errors.CombineErrors(combined, errors.Wrapf(err, "pool %q", pools[i].Name))
		}
	}
	return combined
}

// stressPool runs opts.Workers concurrent allocators against pool and then
// verifies every granted range.
func stressPool(pool *gpu.BufferPool, opts stressOptions) (*stressResult, error) {
	if opts.Workers < 1 || opts.MaxCount == 0 || opts.MaxStride == 0 {
		return nil, errors.New("workers, max count and max stride must be positive")
	}

	grants := make([][]grant, opts.Workers)
	exhausted := make([]int, opts.Workers)
	errs := make([]error, opts.Workers)

	var wg sync.WaitGroup
	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(opts.Seed + int64(w)))
			for i := 0; i < opts.Requests; i++ {
				count := 1 + uint32(rng.Int63n(int64(opts.MaxCount)))
				stride := 1 + uint32(rng.Int63n(int64(opts.MaxStride)))

				desc, data, err := pool.Alloc(count, stride)
				if gpu.IsExhausted(err) {
					exhausted[w]++
					continue
				}
				if err != nil {
					errs[w] = err
					return
				}
				for j := range data {
					data[j] = byte(w + 1)
				}
				grants[w] = append(grants[w], grant{worker: w, desc: desc, data: data})
			}
		}(w)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	var all []grant
	res := &stressResult{Pool: pool.Name(), Mode: pool.Mode(), Used: pool.Used(), Capacity: pool.Capacity()}
	for w := range grants {
		all = append(all, grants[w]...)
		res.Exhausted += exhausted[w]
	}
	res.Granted = len(all)

	if err := verifyGrants(pool, all); err != nil {
		return res, err
	}
	logging.WithComponent("stress").WithField("pool", res.Pool).
		Debugf("%d ranges verified, %d requests rejected", res.Granted, res.Exhausted)
	return res, nil
}

// verifyGrants checks alignment, bounds, disjointness and cursor accounting
// of the granted ranges, and that host data was not overwritten by another worker.
func verifyGrants(pool *gpu.BufferPool, all []grant) error {
	sort.Slice(all, func(i, j int) bool { return all[i].desc.Offset < all[j].desc.Offset })

	var total uint64
	for i, g := range all {
		d := g.desc
		if d.Offset%gpu.Alignment != 0 || d.Range%gpu.Alignment != 0 {
			return errors.AssertionFailedf("range %s is not %d-byte aligned", d, gpu.Alignment)
		}
		if d.End() > uint64(pool.Capacity()) {
			return errors.AssertionFailedf("range %s exceeds capacity %d", d, pool.Capacity())
		}
		if i > 0 && all[i-1].desc.Overlaps(d) {
			return errors.AssertionFailedf("ranges %s and %s overlap", all[i-1].desc, d)
		}
		for _, b := range g.data {
			if b != byte(g.worker+1) {
				return errors.AssertionFailedf("range %s of worker %d was overwritten", d, g.worker)
			}
		}
		total += uint64(d.Range)
	}

	if total != uint64(pool.Used()) {
		return errors.AssertionFailedf("granted %d bytes but cursor is at %d", total, pool.Used())
	}
	return nil
}
