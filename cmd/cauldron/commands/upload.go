package commands

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/whatevermarch/Cauldron/internal/gpu"
	"github.com/whatevermarch/Cauldron/internal/gpu/soft"
	"github.com/whatevermarch/Cauldron/internal/logging"
	"github.com/whatevermarch/Cauldron/internal/system"
)

var (
	uploadChunk    uint32
	uploadChunks   int
	uploadPerRange bool
	uploadTimeout  time.Duration
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Stage data and copy it into video memory",
	Long: `Create a staging pool, fill ranges with patterned data, record the
host to device copies, submit them and wait for completion. The staging
half is then released and the device buffer is read back and compared
against the staged bytes with a BLAKE2b digest.`,
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().Uint32Var(&uploadChunk, "chunk", 4096, "bytes per allocation")
	uploadCmd.Flags().IntVar(&uploadChunks, "chunks", 0, "number of allocations (0 fills the pool)")
	uploadCmd.Flags().BoolVar(&uploadPerRange, "per-range", false, "record one copy per range instead of one for the whole pool")
	uploadCmd.Flags().DurationVar(&uploadTimeout, "timeout", 30*time.Second, "how long to wait for the copy to finish")
	rootCmd.AddCommand(uploadCmd)
}

type uploadOptions struct {
	Name     string
	Capacity uint32
	Chunk    uint32
	Chunks   int
	PerRange bool
}

type uploadResult struct {
	Ranges   int
	Bytes    uint64
	Digest   []byte
	Stats    gpu.PoolStats
	Elapsed  time.Duration
	Released bool
}

func runUpload(cmd *cobra.Command, args []string) error {
	dev, alloc, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), uploadTimeout)
	defer cancel()

	res, err := uploadAndVerify(ctx, dev, alloc, uploadOptions{
		Name:     cfg.Pool.Name,
		Capacity: cfg.Pool.Capacity,
		Chunk:    uploadChunk,
		Chunks:   uploadChunks,
		PerRange: uploadPerRange,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Uploaded %d ranges, %s in %s\n", res.Ranges, system.FormatBytes(int64(res.Bytes)), res.Elapsed)
	fmt.Fprintf(out, "Copies recorded: %d (%s)\n", res.Stats.Uploads, system.FormatBytes(res.Stats.BytesUploaded))
	fmt.Fprintf(out, "Pool used: %s of %s\n", system.FormatBytes(res.Stats.BytesReserved), system.FormatBytes(int64(cfg.Pool.Capacity)))
	fmt.Fprintf(out, "Digest: %x\n", res.Digest)
	fmt.Fprintln(out, "Device contents verified")
	return nil
}

type stagedRange struct {
	desc gpu.Descriptor
	size uint32
}

// uploadAndVerify stages patterned data, copies it to the device buffer,
// drops the staging half and checks the device buffer holds the same bytes.
func uploadAndVerify(ctx context.Context, dev *soft.Device, alloc gpu.Allocator, opts uploadOptions) (*uploadResult, error) {
	if opts.Chunk == 0 {
		return nil, errors.New("chunk size must be positive")
	}
	log := logging.WithComponent("upload")
	start := time.Now()

	pool, err := gpu.NewBufferPool(alloc, opts.Capacity, gpu.UsageHostStagingToDevice,
		gpu.WithName(opts.Name), gpu.WithNamer(dev))
	if err != nil {
		return nil, err
	}
	defer pool.Destroy()

	staged, err := newDigest()
	if err != nil {
		return nil, err
	}
	var ranges []stagedRange
	for i := 0; opts.Chunks == 0 || i < opts.Chunks; i++ {
		desc, data, err := pool.Alloc(opts.Chunk, 1)
		if gpu.IsExhausted(err) {
			if opts.Chunks != 0 {
				return nil, err
			}
			break
		}
		if err != nil {
			return nil, err
		}
		fillPattern(data[:opts.Chunk], uint32(i))
		staged.Write(data[:opts.Chunk])
		ranges = append(ranges, stagedRange{desc: desc, size: opts.Chunk})
	}
	if len(ranges) == 0 {
		return nil, errors.Newf("pool of %d bytes cannot hold a %d byte chunk", opts.Capacity, opts.Chunk)
	}
	log.WithField("ranges", len(ranges)).Debug("ranges staged")

	cb := dev.NewCommandBuffer()
	if opts.PerRange {
		for i := range ranges {
			if err := pool.Upload(cb, &ranges[i].desc); err != nil {
				return nil, err
			}
		}
	} else if err := pool.UploadAll(cb); err != nil {
		return nil, err
	}

	if err := dev.Submit(cb).Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "waiting for upload")
	}
	if err := pool.ReleaseStaging(); err != nil {
		return nil, err
	}

	readback, err := newDigest()
	if err != nil {
		return nil, err
	}
	var total uint64
	buf := make([]byte, opts.Chunk)
	for _, r := range ranges {
		if err := dev.ReadBuffer(r.desc.Buffer, uint64(r.desc.Offset), buf[:r.size]); err != nil {
			return nil, errors.Wrapf(err, "reading back %s", r.desc)
		}
		readback.Write(buf[:r.size])
		total += uint64(r.size)
	}

	want, got := staged.Sum(nil), readback.Sum(nil)
	if !bytes.Equal(want, got) {
		return nil, errors.Newf("device contents differ from staged data: staged %x, device %x", want, got)
	}

	return &uploadResult{
		Ranges:   len(ranges),
		Bytes:    total,
		Digest:   got,
		Stats:    pool.Stats(),
		Elapsed:  time.Since(start),
		Released: !pool.StagingActive(),
	}, nil
}
