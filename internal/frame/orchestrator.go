// Package frame drives frame submission: a ring of frame slots paced by
// fences, a per-image ownership table, and the orchestrator that acquires,
// records, submits and presents one frame per tick for the models and GUIs
// registered on it.
package frame

import (
	"context"
	"time"

	mgl32 "github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"kube/internal/gpu"
	"kube/internal/handle"
	"kube/internal/logging"
	"kube/internal/surface"
)

// ErrFrameState is returned when a frame call is made out of order.
var ErrFrameState = errors.New("frame call out of order")

// State is the orchestrator's position in the frame cycle.
type State int

const (
	Idle State = iota
	Acquiring
	Rebuilding
	Recording
	Submitted
	Presenting
	// Lost is terminal: the device is gone.
	Lost
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Rebuilding:
		return "rebuilding"
	case Recording:
		return "recording"
	case Submitted:
		return "submitted"
	case Presenting:
		return "presenting"
	case Lost:
		return "lost"
	}
	return "unknown"
}

// Options configure an orchestrator.
type Options struct {
	FramesInFlight int
	// FenceTimeout bounds each fence wait; zero waits forever.
	FenceTimeout time.Duration
}

// DefaultOptions uses two frames in flight and no timeout.
func DefaultOptions() Options {
	return Options{FramesInFlight: 2}
}

// Stats are counters for diagnostics.
type Stats struct {
	Frames   uint64 // submitted
	Skipped  uint64
	Rebuilds uint64
	Models   int
	GUIs     int
	State    State
}

// Orchestrator drives frames for one surface. It is not safe for concurrent
// use except for RequestRebuild.
type Orchestrator struct {
	surf    *surface.Surface
	backend Backend
	sync    *Synchronizer
	table   ownershipTable

	models *handle.Registry[Model]
	guis   *handle.Registry[GUI]

	state     State
	lostErr   error
	frame     uint64 // frames submitted
	slot      *Slot
	image     uint32
	skip      bool
	cam       Camera
	customCam bool
	extent    surface.Extent

	skipped  uint64
	rebuilds uint64
	closed   bool
}

// NewOrchestrator creates the slot ring on backend and attaches itself to
// surf so per-image state follows every rebuild. The surface is not set up
// here.
func NewOrchestrator(surf *surface.Surface, backend Backend, opts Options) (*Orchestrator, error) {
	sync, err := NewSynchronizer(backend, opts.FramesInFlight)
	if err != nil {
		return nil, err
	}
	sync.SetTimeout(opts.FenceTimeout)
	o := &Orchestrator{
		surf:    surf,
		backend: backend,
		sync:    sync,
		models:  handle.NewRegistry[Model](),
		guis:    handle.NewRegistry[GUI](),
	}
	surf.Attach(o)
	return o, nil
}

// SurfaceCreated rebuilds the ownership table for the new chain.
func (o *Orchestrator) SurfaceCreated(_ surface.Chain, info surface.Info) error {
	o.table.reset(info.ImageCount)
	o.extent = info.Extent
	if !o.customCam {
		o.cam = DefaultCamera(info.Extent)
	}
	return nil
}

// SurfaceDestroyed drops the ownership table.
func (o *Orchestrator) SurfaceDestroyed() {
	o.table.reset(0)
}

func (o *Orchestrator) fail(err error) error {
	if gpu.IsFatal(err) && o.state != Lost {
		logging.Logger().Error("frame loop stopped", "frame", o.frame, "err", err)
		o.state = Lost
		o.lostErr = err
	}
	return err
}

// usable rejects calls on a lost or closed orchestrator.
func (o *Orchestrator) usable(op string) error {
	if o.state == Lost {
		return o.lostErr
	}
	if o.closed {
		return errors.Wrapf(ErrFrameState, "%s after Close", op)
	}
	return nil
}

func (o *Orchestrator) check(want State, op string) error {
	if err := o.usable(op); err != nil {
		return err
	}
	if o.state != want {
		return errors.Wrapf(ErrFrameState, "%s in state %s", op, o.state)
	}
	return nil
}

func (o *Orchestrator) rebuild(ctx context.Context) error {
	o.state = Rebuilding
	o.rebuilds++
	logging.Logger().Debug("rebuilding surface", "frame", o.frame)
	if err := o.surf.Recreate(ctx); err != nil {
		return errors.Wrap(err, "rebuild surface")
	}
	return nil
}

// StartFrame waits for the next slot, acquires an image and opens the frame
// for recording. A surface that stays out of date through one rebuild skips
// the frame; EndFrame then does nothing.
func (o *Orchestrator) StartFrame(ctx context.Context) error {
	if err := o.check(Idle, "StartFrame"); err != nil {
		return err
	}
	err := o.startFrame(ctx)
	if err != nil {
		o.state = Idle
		return o.fail(err)
	}
	return nil
}

func (o *Orchestrator) startFrame(ctx context.Context) error {
	if o.surf.NeedsRebuild() || !o.surf.Ready() {
		if err := o.rebuild(ctx); err != nil {
			return err
		}
	}

	o.state = Acquiring
	slot, err := o.sync.BeginFrame(ctx, o.frame)
	if err != nil {
		return err
	}

	image, status, err := o.surf.AcquireNext(slot.ImageAcquired)
	if err != nil {
		return err
	}
	if status == gpu.OutOfDate {
		if err := o.rebuild(ctx); err != nil {
			return err
		}
		o.state = Acquiring
		image, status, err = o.surf.AcquireNext(slot.ImageAcquired)
		if err != nil {
			return err
		}
		if status == gpu.OutOfDate {
			o.skipped++
			logging.Logger().Warn("surface still out of date, skipping frame", "frame", o.frame)
			o.skip = true
			o.state = Recording
			return nil
		}
	}

	if err := o.table.claim(ctx, o.sync, image, o.frame); err != nil {
		return err
	}
	o.slot = slot
	o.image = image
	o.state = Recording
	return nil
}

// EndFrame records every visible model and then every visible GUI, submits
// the frame and presents it.
func (o *Orchestrator) EndFrame(ctx context.Context) error {
	if err := o.check(Recording, "EndFrame"); err != nil {
		return err
	}
	if o.skip {
		o.skip = false
		o.state = Idle
		return nil
	}
	if err := o.endFrame(ctx); err != nil {
		if o.state != Lost {
			o.state = Idle
		}
		return o.fail(err)
	}
	o.state = Idle
	return nil
}

func (o *Orchestrator) endFrame(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.record(); err != nil {
		o.abandon()
		return errors.Wrap(err, "record frame")
	}

	if err := o.sync.EndFrame(o.frame); err != nil {
		o.dropImage()
		return err
	}
	o.state = Submitted
	o.frame++

	o.state = Presenting
	status, err := o.surf.Present(o.image, o.slot.RenderFinished)
	if err != nil {
		return err
	}
	if status != gpu.Success {
		logging.Logger().Debug("present reported stale surface", "status", status.String(), "frame", o.frame-1)
	}
	o.slot = nil
	return nil
}

// abandon gives up an acquired image whose recording failed. An empty
// submission consumes the image-acquired semaphore, and the rebuild returns
// the unpresented image to the chain.
func (o *Orchestrator) abandon() {
	if err := o.sync.Abandon(o.frame); err != nil {
		logging.Logger().Warn("abandon frame", "frame", o.frame, "err", err)
	}
	o.dropImage()
}

// dropImage forgets the open frame's image without presenting it.
func (o *Orchestrator) dropImage() {
	o.slot = nil
	o.surf.RequestRebuild()
}

func (o *Orchestrator) record() error {
	cmds := o.slot.Commands
	if err := cmds.Reset(); err != nil {
		return err
	}
	if err := cmds.Begin(o.image, o.cam); err != nil {
		return err
	}
	var err error
	o.models.Each(func(_ handle.Handle, m *Model) {
		if err != nil || !m.Visible {
			return
		}
		err = cmds.DrawModel(m)
	})
	if err != nil {
		return err
	}
	o.guis.Each(func(_ handle.Handle, g *GUI) {
		if err != nil || !g.Desc.Visible {
			return
		}
		g.layout(o.extent)
		if len(g.Vertices) == 0 {
			return
		}
		err = cmds.DrawGUI(g)
	})
	if err != nil {
		return err
	}
	return cmds.End()
}

// SetCamera replaces the view and projection for the open frame and every
// later one.
func (o *Orchestrator) SetCamera(view, proj mgl32.Mat4) error {
	if err := o.check(Recording, "SetCamera"); err != nil {
		return err
	}
	o.cam = Camera{View: view, Proj: proj}
	o.customCam = true
	return nil
}

// retire releases fn once no submitted frame can reference the record it
// frees. Before the first submission nothing can, so it runs at once.
func (o *Orchestrator) retire(fn func()) {
	if o.frame == 0 {
		fn()
		return
	}
	o.sync.Defer(o.frame-1, fn)
}

// AddModel uploads desc.Mesh and registers the model.
func (o *Orchestrator) AddModel(desc ModelDesc) (handle.Handle, error) {
	if err := o.usable("AddModel"); err != nil {
		return handle.Nil, err
	}
	if desc.Mesh == nil || len(desc.Mesh.Indices) == 0 {
		return handle.Nil, errors.New("model has no mesh")
	}
	mesh, err := o.backend.NewMesh(desc.Mesh)
	if err != nil {
		return handle.Nil, o.fail(errors.Wrap(err, "upload mesh"))
	}
	h := o.models.Add(Model{
		Mesh:      mesh,
		Transform: desc.Transform,
		Visible:   desc.Visible,
		data:      desc.Mesh,
	})
	logging.Logger().Debug("model added", "handle", h.String())
	return h, nil
}

// RemoveModel unregisters the model. Its mesh is released once the last
// frame that drew it has retired.
func (o *Orchestrator) RemoveModel(h handle.Handle) error {
	if err := o.usable("RemoveModel"); err != nil {
		return err
	}
	m, err := o.models.Remove(h)
	if err != nil {
		logging.Logger().Warn("remove model", "err", err)
		return err
	}
	o.retire(m.Mesh.Release)
	logging.Logger().Debug("model removed", "handle", h.String())
	return nil
}

// UpdateModel stages new state for the model. A different mesh is uploaded
// now and the old one released like a removal.
func (o *Orchestrator) UpdateModel(h handle.Handle, desc ModelDesc) error {
	if err := o.usable("UpdateModel"); err != nil {
		return err
	}
	m, err := o.models.Get(h)
	if err != nil {
		logging.Logger().Warn("update model", "err", err)
		return err
	}
	if desc.Mesh != nil && desc.Mesh != m.data {
		if len(desc.Mesh.Indices) == 0 {
			return errors.New("model has no mesh")
		}
		mesh, err := o.backend.NewMesh(desc.Mesh)
		if err != nil {
			return o.fail(errors.Wrap(err, "upload mesh"))
		}
		o.retire(m.Mesh.Release)
		m.Mesh = mesh
		m.data = desc.Mesh
	}
	m.Transform = desc.Transform
	m.Visible = desc.Visible
	return nil
}

// AddGUI registers a text overlay.
func (o *Orchestrator) AddGUI(desc GUIDesc) (handle.Handle, error) {
	if err := o.usable("AddGUI"); err != nil {
		return handle.Nil, err
	}
	h := o.guis.Add(GUI{Desc: desc, dirty: true})
	logging.Logger().Debug("gui added", "handle", h.String())
	return h, nil
}

// RemoveGUI unregisters the overlay.
func (o *Orchestrator) RemoveGUI(h handle.Handle) error {
	if err := o.usable("RemoveGUI"); err != nil {
		return err
	}
	if _, err := o.guis.Remove(h); err != nil {
		logging.Logger().Warn("remove gui", "err", err)
		return err
	}
	return nil
}

// UpdateGUI stages new text, position or color; layout happens at the next
// recording.
func (o *Orchestrator) UpdateGUI(h handle.Handle, desc GUIDesc) error {
	if err := o.usable("UpdateGUI"); err != nil {
		return err
	}
	g, err := o.guis.Get(h)
	if err != nil {
		logging.Logger().Warn("update gui", "err", err)
		return err
	}
	if g.Desc != desc {
		g.Desc = desc
		g.dirty = true
	}
	return nil
}

// Model returns the record behind h.
func (o *Orchestrator) Model(h handle.Handle) (*Model, error) { return o.models.Get(h) }

// GUI returns the record behind h.
func (o *Orchestrator) GUI(h handle.Handle) (*GUI, error) { return o.guis.Get(h) }

// ModelCount returns the number of registered models.
func (o *Orchestrator) ModelCount() int { return o.models.UsedCount() }

// GUICount returns the number of registered overlays.
func (o *Orchestrator) GUICount() int { return o.guis.UsedCount() }

// RequestRebuild flags the surface for a rebuild before the next frame. It
// is safe to call from window callbacks.
func (o *Orchestrator) RequestRebuild() { o.surf.RequestRebuild() }

// State returns the current frame state.
func (o *Orchestrator) State() State { return o.state }

// FrameIndex returns the number of submitted frames.
func (o *Orchestrator) FrameIndex() uint64 { return o.frame }

// Surface returns the surface the orchestrator draws to.
func (o *Orchestrator) Surface() *surface.Surface { return o.surf }

// Stats returns frame counters and registry sizes.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Frames:   o.frame,
		Skipped:  o.skipped,
		Rebuilds: o.rebuilds,
		Models:   o.models.UsedCount(),
		GUIs:     o.guis.UsedCount(),
		State:    o.state,
	}
}

// Close waits for the device, releases every mesh and the slot ring. A lost
// device is not waited on.
func (o *Orchestrator) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	var err error
	if o.state != Lost {
		err = o.backend.WaitIdle()
	}
	o.models.Each(func(_ handle.Handle, m *Model) {
		m.Mesh.Release()
	})
	o.models = handle.NewRegistry[Model]()
	o.guis = handle.NewRegistry[GUI]()
	o.sync.Destroy()
	o.slot = nil
	if o.state != Lost {
		o.state = Idle
	}
	return err
}
