package simgpu

import (
	"context"

	"github.com/pkg/errors"

	"kube/internal/frame"
	"kube/internal/gpu"
)

// Fence is a simulated fence.
type Fence struct {
	dev      *Device
	ch       chan struct{}
	signaled bool
	pending  bool
}

func newFence(d *Device, signaled bool) *Fence {
	f := &Fence{dev: d, ch: make(chan struct{})}
	if signaled {
		f.signaled = true
		close(f.ch)
	}
	return f
}

// signal is called with dev.mu held.
func (f *Fence) signal() {
	f.pending = false
	if !f.signaled {
		f.signaled = true
		close(f.ch)
	}
}

func (f *Fence) Wait(ctx context.Context) error {
	d := f.dev
	d.mu.Lock()
	if d.lost {
		d.mu.Unlock()
		return gpu.ErrDeviceLost
	}
	ch := f.ch
	d.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-d.lostCh:
		return gpu.ErrDeviceLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fence) Reset() error {
	d := f.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return gpu.ErrDeviceLost
	}
	if f.pending {
		d.violate("fence reset while in flight")
		return nil
	}
	if f.signaled {
		f.signaled = false
		f.ch = make(chan struct{})
	}
	return nil
}

func (f *Fence) Signaled() (bool, error) {
	d := f.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return false, gpu.ErrDeviceLost
	}
	return f.signaled, nil
}

func (f *Fence) Destroy() {
	d := f.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if f.pending && !d.lost {
		d.violate("fence destroyed while in flight")
	}
}

// Semaphore is a simulated binary semaphore.
type Semaphore struct {
	dev      *Device
	signaled bool
	// pending is set while a queued submission will signal it.
	pending bool
	// seq is the submission that last signaled it.
	seq int
}

func (s *Semaphore) Destroy() {}

// Mesh is simulated geometry.
type Mesh struct {
	dev      *Device
	indices  int
	uses     int
	released bool
}

func (m *Mesh) IndexCount() int { return m.indices }

func (m *Mesh) Release() {
	d := m.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if m.released {
		d.violate("mesh released twice")
		return
	}
	if m.uses > 0 && !d.lost {
		d.violate("mesh released while %d pending frames read it", m.uses)
	}
	m.released = true
	d.liveMeshes--
}

// Commands records draws into a simulated command sequence.
type Commands struct {
	dev       *Device
	target    *Target
	chain     *Chain
	image     int
	recording bool
	pending   bool
	meshes    []*Mesh

	Models   int
	GUIVerts int
	Camera   frame.Camera
}

func (c *Commands) Reset() error {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.pending {
		d.violate("commands reset while in flight")
	}
	c.recording = false
	c.meshes = nil
	c.Models = 0
	c.GUIVerts = 0
	return nil
}

func (c *Commands) Begin(image uint32, cam frame.Camera) error {
	chain := c.target.current()
	if chain == nil {
		return errors.New("begin recording without an image chain")
	}
	if int(image) >= chain.images {
		return errors.Errorf("image %d out of range for %d images", image, chain.images)
	}
	c.chain = chain
	c.image = int(image)
	c.Camera = cam
	c.recording = true
	return nil
}

func (c *Commands) DrawModel(m *frame.Model) error {
	if !c.recording {
		return errors.New("draw outside recording")
	}
	mesh, ok := m.Mesh.(*Mesh)
	if !ok {
		return errors.Errorf("mesh %T does not belong to this device", m.Mesh)
	}
	d := c.dev
	d.mu.Lock()
	if mesh.released {
		d.violate("draw with a released mesh")
	}
	d.mu.Unlock()
	c.meshes = append(c.meshes, mesh)
	c.Models++
	return nil
}

func (c *Commands) DrawGUI(g *frame.GUI) error {
	if !c.recording {
		return errors.New("draw outside recording")
	}
	c.GUIVerts += len(g.Vertices)
	return nil
}

func (c *Commands) End() error {
	if !c.recording {
		return errors.New("end without begin")
	}
	c.recording = false
	return nil
}

func (c *Commands) Destroy() {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.pending && !d.lost {
		d.violate("commands destroyed while in flight")
	}
}
