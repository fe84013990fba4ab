package frame

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"kube/internal/gpu"
	"kube/internal/logging"
)

// MaxFramesInFlight bounds the slot ring.
const MaxFramesInFlight = 4

// Slot is the per-frame-in-flight state. Its fence is signaled whenever no
// submitted work references the slot.
type Slot struct {
	Fence          gpu.Fence
	ImageAcquired  gpu.Semaphore
	RenderFinished gpu.Semaphore
	Commands       Commands

	deferred []func()
}

// Synchronizer paces CPU recording against GPU execution with a fixed ring
// of slots. Frame f uses slot f mod N, so at most N frames are unretired.
type Synchronizer struct {
	backend Backend
	slots   []*Slot
	timeout time.Duration
}

// NewSynchronizer allocates n slots with signaled fences.
func NewSynchronizer(backend Backend, n int) (*Synchronizer, error) {
	if n < 1 || n > MaxFramesInFlight {
		return nil, errors.Errorf("frames in flight must be in [1, %d], got %d", MaxFramesInFlight, n)
	}
	s := &Synchronizer{backend: backend}
	for i := 0; i < n; i++ {
		slot, err := newSlot(backend)
		if err != nil {
			s.Destroy()
			return nil, errors.Wrapf(err, "create frame slot %d", i)
		}
		s.slots = append(s.slots, slot)
	}
	return s, nil
}

func newSlot(b Backend) (*Slot, error) {
	var err error
	slot := &Slot{}
	if slot.Fence, err = b.NewFence(true); err != nil {
		return nil, err
	}
	if slot.ImageAcquired, err = b.NewSemaphore(); err != nil {
		slot.destroy()
		return nil, err
	}
	if slot.RenderFinished, err = b.NewSemaphore(); err != nil {
		slot.destroy()
		return nil, err
	}
	if slot.Commands, err = b.NewCommands(); err != nil {
		slot.destroy()
		return nil, err
	}
	return slot, nil
}

func (s *Slot) runDeferred() {
	for _, fn := range s.deferred {
		fn()
	}
	s.deferred = nil
}

func (s *Slot) destroy() {
	s.runDeferred()
	if s.Commands != nil {
		s.Commands.Destroy()
	}
	if s.RenderFinished != nil {
		s.RenderFinished.Destroy()
	}
	if s.ImageAcquired != nil {
		s.ImageAcquired.Destroy()
	}
	if s.Fence != nil {
		s.Fence.Destroy()
	}
}

// SetTimeout bounds every fence wait. A wait that outlives it reports
// gpu.ErrDeviceLost. Zero waits forever.
func (s *Synchronizer) SetTimeout(d time.Duration) { s.timeout = d }

// Len returns N.
func (s *Synchronizer) Len() int { return len(s.slots) }

// Slot returns the slot used by frame, or nil once the ring is destroyed.
func (s *Synchronizer) Slot(frame uint64) *Slot {
	if len(s.slots) == 0 {
		return nil
	}
	return s.slots[frame%uint64(len(s.slots))]
}

// BeginFrame blocks until the slot of frame has retired, then runs the
// releases deferred onto it. The fence stays signaled until EndFrame, so a
// frame abandoned after BeginFrame leaves the slot reusable.
func (s *Synchronizer) BeginFrame(ctx context.Context, frame uint64) (*Slot, error) {
	slot := s.Slot(frame)
	if slot == nil {
		return nil, errors.New("frame slots destroyed")
	}
	if err := s.Wait(ctx, slot.Fence); err != nil {
		return nil, errors.Wrapf(err, "wait for frame slot %d", frame%uint64(len(s.slots)))
	}
	slot.runDeferred()
	return slot, nil
}

// EndFrame resets the slot fence and submits its commands, waiting on image
// acquisition and signaling render completion and the fence.
func (s *Synchronizer) EndFrame(frame uint64) error {
	slot := s.Slot(frame)
	if slot == nil {
		return errors.New("frame slots destroyed")
	}
	if err := slot.Fence.Reset(); err != nil {
		return errors.Wrap(err, "reset frame fence")
	}
	if err := s.backend.Submit(slot.Commands, slot.ImageAcquired, slot.RenderFinished, slot.Fence); err != nil {
		err = errors.Wrap(err, "submit frame")
		if gpu.IsFatal(err) {
			return err
		}
		// Nothing was queued: hand the fence and the acquired semaphore to an
		// empty batch so the slot retires.
		if rerr := s.backend.Submit(nil, slot.ImageAcquired, nil, slot.Fence); rerr != nil {
			return errors.Wrapf(gpu.ErrDeviceLost, "frame slot %d unrecoverable after %v: %v",
				frame%uint64(len(s.slots)), err, rerr)
		}
		return err
	}
	return nil
}

// Abandon consumes the image-acquired semaphore of a frame that will not be
// submitted. The slot fence is untouched.
func (s *Synchronizer) Abandon(frame uint64) error {
	slot := s.Slot(frame)
	if slot == nil {
		return nil
	}
	return errors.Wrap(s.backend.Submit(nil, slot.ImageAcquired, nil, nil), "release acquired image")
}

// Defer queues release to run once the slot of frame next retires. With the
// ring destroyed it runs at once.
func (s *Synchronizer) Defer(frame uint64, release func()) {
	slot := s.Slot(frame)
	if slot == nil {
		// No ring, so nothing is in flight.
		release()
		return
	}
	slot.deferred = append(slot.deferred, release)
}

// Wait blocks on f, applying the configured timeout.
func (s *Synchronizer) Wait(ctx context.Context, f gpu.Fence) error {
	waitCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	err := f.Wait(waitCtx)
	if err == nil {
		if d := time.Since(start); d > time.Millisecond {
			logging.Logger().Debug("fence wait", "elapsed", d)
		}
		return nil
	}
	if s.timeout > 0 && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(gpu.ErrDeviceLost, "fence not signaled after %s", s.timeout)
	}
	return err
}

// Drain runs every pending deferred release. The device must be idle.
func (s *Synchronizer) Drain() {
	for _, slot := range s.slots {
		slot.runDeferred()
	}
}

// Destroy runs pending releases and frees the slots. The device must be
// idle.
func (s *Synchronizer) Destroy() {
	for _, slot := range s.slots {
		slot.destroy()
	}
	s.slots = nil
}
