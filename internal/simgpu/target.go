package simgpu

import (
	"github.com/pkg/errors"

	"kube/internal/frame"
	"kube/internal/gpu"
	"kube/internal/surface"
)

// Target is one window bound to the device. It implements render.Target.
type Target struct {
	dev   *Device
	win   surface.Window
	chain *Chain
	order []uint32

	forced      gpu.Status
	forcedCount int
}

// ForceAcquireStatus makes the next n acquires report status. OutOfDate
// acquires hand out no image.
func (t *Target) ForceAcquireStatus(status gpu.Status, n int) {
	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	t.forced = status
	t.forcedCount = n
}

func (t *Target) current() *Chain {
	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	return t.chain
}

func (t *Target) Query() (surface.Capabilities, error) {
	w, h := t.win.FramebufferSize()
	o := t.dev.opts
	return surface.Capabilities{
		Formats:       o.Formats,
		PresentModes:  o.PresentModes,
		MinImageCount: o.MinImages,
		MaxImageCount: o.MaxImages,
		Current:       surface.Extent{Width: uint32(max(w, 0)), Height: uint32(max(h, 0))},
		MinExtent:     surface.Extent{Width: 1, Height: 1},
		MaxExtent:     surface.Extent{Width: 16384, Height: 16384},
	}, nil
}

func (t *Target) CreateChain(cfg surface.ChainConfig) (surface.Chain, error) {
	d := t.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, gpu.ErrDeviceLost
	}
	if t.order == nil {
		t.order = append([]uint32{}, d.opts.AcquireOrder...)
	}
	c := &Chain{target: t, images: int(cfg.ImageCount), extent: cfg.Extent}
	d.liveImages += c.images
	t.chain = c
	return c, nil
}

func (t *Target) WaitIdle() error { return t.dev.WaitIdle() }

func (t *Target) NewFence(signaled bool) (gpu.Fence, error) {
	return newFence(t.dev, signaled), nil
}

func (t *Target) NewSemaphore() (gpu.Semaphore, error) {
	return &Semaphore{dev: t.dev}, nil
}

func (t *Target) NewCommands() (frame.Commands, error) {
	return &Commands{dev: t.dev, target: t}, nil
}

func (t *Target) NewMesh(data *frame.MeshData) (frame.Mesh, error) {
	d := t.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, gpu.ErrDeviceLost
	}
	d.liveMeshes++
	return &Mesh{dev: d, indices: len(data.Indices)}, nil
}

func (t *Target) Submit(cmds frame.Commands, wait, signal gpu.Semaphore, fence gpu.Fence) error {
	sub := &submission{}
	if cmds != nil {
		c, ok := cmds.(*Commands)
		if !ok {
			return errors.Errorf("commands %T do not belong to this device", cmds)
		}
		sub.cmds = c
	}
	var err error
	if sub.wait, err = semaphore(wait); err != nil {
		return err
	}
	if sub.signal, err = semaphore(signal); err != nil {
		return err
	}
	if fence != nil {
		f, ok := fence.(*Fence)
		if !ok {
			return errors.Errorf("fence %T does not belong to this device", fence)
		}
		sub.fence = f
	}
	return t.dev.submit(sub)
}

func semaphore(s gpu.Semaphore) (*Semaphore, error) {
	if s == nil {
		return nil, nil
	}
	sem, ok := s.(*Semaphore)
	if !ok {
		return nil, errors.Errorf("semaphore %T does not belong to this device", s)
	}
	return sem, nil
}

// Destroy releases the binding. The chain must already be destroyed.
func (t *Target) Destroy() {
	d := t.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.chain != nil {
		d.violate("target destroyed with a live image chain")
	}
}

// Chain is a simulated image chain.
type Chain struct {
	target    *Target
	images    int
	extent    surface.Extent
	next      int
	destroyed bool
}

func (c *Chain) ImageCount() int { return c.images }

func (c *Chain) stale() bool {
	w, h := c.target.win.FramebufferSize()
	return uint32(max(w, 0)) != c.extent.Width || uint32(max(h, 0)) != c.extent.Height
}

func (c *Chain) Acquire(signal gpu.Semaphore) (uint32, gpu.Status, error) {
	sem, err := semaphore(signal)
	if err != nil {
		return 0, gpu.Success, err
	}
	t := c.target
	d := t.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return 0, gpu.Success, gpu.ErrDeviceLost
	}
	if c.destroyed {
		return 0, gpu.Success, errors.New("acquire from a destroyed chain")
	}
	status := gpu.Success
	if t.forcedCount > 0 {
		t.forcedCount--
		if t.forced == gpu.OutOfDate {
			return 0, gpu.OutOfDate, nil
		}
		status = t.forced
	}
	if c.stale() {
		return 0, gpu.OutOfDate, nil
	}

	var image uint32
	if len(t.order) > 0 {
		image = t.order[0] % uint32(c.images)
		t.order = t.order[1:]
	} else {
		image = uint32(c.next % c.images)
		c.next++
	}
	if sem != nil {
		if sem.signaled || sem.pending {
			d.violate("acquire signals a semaphore that is already signaled")
		}
		sem.signaled = true
	}
	return image, status, nil
}

func (c *Chain) Present(image uint32, wait gpu.Semaphore) (gpu.Status, error) {
	sem, err := semaphore(wait)
	if err != nil {
		return gpu.Success, err
	}
	d := c.target.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return gpu.Success, gpu.ErrDeviceLost
	}
	if c.destroyed {
		return gpu.Success, errors.New("present to a destroyed chain")
	}
	if int(image) >= c.images {
		return gpu.Success, errors.Errorf("present image %d out of range", image)
	}
	switch {
	case sem == nil:
		d.presents = append(d.presents, Presentation{Image: image})
	case sem.signaled:
		d.present(image, sem)
	case sem.pending:
		d.waiting = append(d.waiting, pendingPresent{image: image, wait: sem})
	default:
		d.violate("present waits on a semaphore nothing will signal")
	}
	if c.stale() {
		return gpu.OutOfDate, nil
	}
	return gpu.Success, nil
}

func (c *Chain) Destroy() {
	t := c.target
	d := t.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.destroyed {
		return
	}
	if len(d.busyImages[c]) > 0 && !d.lost {
		d.violate("image chain destroyed while frames render into it")
	}
	delete(d.busyImages, c)
	c.destroyed = true
	d.liveImages -= c.images
	if t.chain == c {
		t.chain = nil
	}
}
