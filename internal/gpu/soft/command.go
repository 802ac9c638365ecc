package soft

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"

	"github.com/whatevermarch/Cauldron/internal/gpu"
)

type copyCommand struct {
	src, dst gpu.BufferHandle
	regions  []gpu.BufferCopy
}

// CommandBuffer records commands until it is submitted. Recording is safe
// from multiple goroutines; commands execute in recording order.
type CommandBuffer struct {
	mu   sync.Mutex
	cmds *queue.Queue
}

// NewCommandBuffer returns an empty command buffer
func (d *Device) NewCommandBuffer() *CommandBuffer {
	return &CommandBuffer{cmds: queue.New()}
}

// CopyBuffer records a buffer-to-buffer copy
func (cb *CommandBuffer) CopyBuffer(src, dst gpu.BufferHandle, regions ...gpu.BufferCopy) {
	if len(regions) == 0 {
		return
	}
	cmd := copyCommand{
		src:     src,
		dst:     dst,
		regions: append([]gpu.BufferCopy(nil), regions...),
	}

	cb.mu.Lock()
	cb.cmds.Add(cmd)
	cb.mu.Unlock()
}

// Len returns the number of recorded commands
func (cb *CommandBuffer) Len() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.cmds.Length()
}

func (cb *CommandBuffer) drain() []copyCommand {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cmds := make([]copyCommand, 0, cb.cmds.Length())
	for cb.cmds.Length() > 0 {
		cmds = append(cmds, cb.cmds.Remove().(copyCommand))
	}
	return cmds
}

// Fence is signaled when a submission has finished executing
type Fence struct {
	done chan struct{}
	err  error
}

// Done is closed once the submission has executed
func (f *Fence) Done() <-chan struct{} { return f.done }

// Err returns the first execution error. It is only meaningful after Done is closed.
func (f *Fence) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the fence is signaled or ctx is done
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for fence")
	}
}

// Submit takes every command recorded so far and executes them in the
// background. The command buffer is empty afterwards and can be reused.
func (d *Device) Submit(cb *CommandBuffer) *Fence {
	cmds := cb.drain()
	f := &Fence{done: make(chan struct{})}

	go func() {
		defer close(f.done)
		for i, cmd := range cmds {
			if err := d.executeCopy(cmd); err != nil {
				f.err = errors.Wrapf(err, "command %d", i)
				d.log.WithError(f.err).Error("submission failed")
				return
			}
		}
		d.log.WithField("commands", len(cmds)).Debug("submission complete")
	}()

	return f
}

func (d *Device) executeCopy(cmd copyCommand) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	src, err := d.boundBufferLocked(cmd.src)
	if err != nil {
		return errors.Wrap(err, "copy source")
	}
	dst, err := d.boundBufferLocked(cmd.dst)
	if err != nil {
		return errors.Wrap(err, "copy destination")
	}
	if !src.usage.Has(gpu.BufferUsageTransferSrc) {
		return errors.Wrapf(ErrInvalidUsage, "%s lacks TransferSrc (usage %s)", cmd.src, src.usage)
	}
	if !dst.usage.Has(gpu.BufferUsageTransferDst) {
		return errors.Wrapf(ErrInvalidUsage, "%s lacks TransferDst (usage %s)", cmd.dst, dst.usage)
	}

	for _, r := range cmd.regions {
		if r.SrcOffset+r.Size > src.size || r.DstOffset+r.Size > dst.size {
			return errors.Wrapf(ErrOutOfBounds, "copy of %d bytes from %d to %d (src %d bytes, dst %d bytes)",
				r.Size, r.SrcOffset, r.DstOffset, src.size, dst.size)
		}
		s := src.mem.data[src.offset+r.SrcOffset : src.offset+r.SrcOffset+r.Size]
		t := dst.mem.data[dst.offset+r.DstOffset : dst.offset+r.DstOffset+r.Size]
		copy(t, s)
	}

	d.log.WithFields(logrus.Fields{
		"src":     cmd.src,
		"dst":     cmd.dst,
		"regions": len(cmd.regions),
	}).Debug("copy executed")
	return nil
}
