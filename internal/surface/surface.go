// Package surface manages the presentable image chain bound to one window:
// choosing its format, present mode and extent, acquiring and presenting
// images, and rebuilding the chain when the window no longer matches it.
package surface

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"kube/internal/gpu"
	"kube/internal/logging"
)

// Window is the part of the windowing collaborator the surface needs.
type Window interface {
	// FramebufferSize returns the drawable size in pixels.
	FramebufferSize() (width, height int)
	// WaitEvents blocks until the window system delivers an event.
	WaitEvents()
	ShouldClose() bool
}

// ChainConfig is what Setup asks the backend to build.
type ChainConfig struct {
	Format      Format
	PresentMode PresentMode
	Extent      Extent
	ImageCount  uint32
}

// Chain is a backend image chain with one view per image.
type Chain interface {
	ImageCount() int
	// Acquire returns the next image to render into and arranges for signal
	// to be signaled once the image is available.
	Acquire(signal gpu.Semaphore) (uint32, gpu.Status, error)
	// Present queues image for display once wait is signaled.
	Present(image uint32, wait gpu.Semaphore) (gpu.Status, error)
	Destroy()
}

// Backend creates chains for one window surface.
type Backend interface {
	Query() (Capabilities, error)
	CreateChain(cfg ChainConfig) (Chain, error)
	// WaitIdle blocks until the device has finished all submitted work.
	WaitIdle() error
}

// Info describes the current chain.
type Info struct {
	Format      Format
	PresentMode PresentMode
	Extent      Extent
	ImageCount  int
}

// Dependent owns state derived from the chain (framebuffers, per-image
// tables). It is rebuilt whole every time the chain is.
type Dependent interface {
	SurfaceCreated(chain Chain, info Info) error
	SurfaceDestroyed()
}

// Options are the selection preferences.
type Options struct {
	Format      Format
	PresentMode PresentMode
}

// DefaultOptions prefers sRGB output and mailbox presentation.
func DefaultOptions() Options {
	return Options{Format: DefaultFormat, PresentMode: PresentMailbox}
}

// Surface is the presentation surface of one window.
type Surface struct {
	backend Backend
	window  Window
	opts    Options
	deps    []Dependent

	chain        Chain
	info         Info
	needsRebuild atomic.Bool
}

// New binds a surface to window. No chain exists until Recreate or Setup.
func New(backend Backend, window Window, opts Options) *Surface {
	return &Surface{
		backend: backend,
		window:  window,
		opts:    opts,
	}
}

// Attach registers d to be rebuilt with the chain. Dependents are created in
// attach order and destroyed in reverse.
func (s *Surface) Attach(d Dependent) {
	s.deps = append(s.deps, d)
}

// Setup queries the backend, chooses the chain parameters and creates the
// chain. A device/window pairing with nothing to present is reported as
// gpu.ErrDeviceUnsupported.
func (s *Surface) Setup() error {
	if s.chain != nil {
		return errors.New("surface already set up")
	}
	caps, err := s.backend.Query()
	if err != nil {
		return errors.Wrap(err, "query surface")
	}
	if len(caps.Formats) == 0 {
		return errors.Wrap(gpu.ErrDeviceUnsupported, "no surface formats")
	}
	if len(caps.PresentModes) == 0 {
		return errors.Wrap(gpu.ErrDeviceUnsupported, "no present modes")
	}

	w, h := s.window.FramebufferSize()
	cfg := ChainConfig{
		Format:      ChooseFormat(caps.Formats, s.opts.Format),
		PresentMode: ChoosePresentMode(caps.PresentModes, s.opts.PresentMode),
		Extent:      ChooseExtent(caps, w, h),
		ImageCount:  ChooseImageCount(caps),
	}
	if cfg.Extent.Zero() {
		return errors.Errorf("surface extent %dx%d is not drawable", cfg.Extent.Width, cfg.Extent.Height)
	}

	chain, err := s.backend.CreateChain(cfg)
	if err != nil {
		return errors.Wrap(err, "create image chain")
	}
	if chain.ImageCount() == 0 {
		chain.Destroy()
		return errors.Wrap(gpu.ErrDeviceUnsupported, "image chain has no images")
	}
	s.chain = chain
	s.info = Info{
		Format:      cfg.Format,
		PresentMode: cfg.PresentMode,
		Extent:      cfg.Extent,
		ImageCount:  chain.ImageCount(),
	}

	for i, d := range s.deps {
		if err := d.SurfaceCreated(chain, s.info); err != nil {
			for j := i - 1; j >= 0; j-- {
				s.deps[j].SurfaceDestroyed()
			}
			s.chain.Destroy()
			s.chain = nil
			return errors.Wrap(err, "rebuild surface dependents")
		}
	}

	logging.Logger().Info("surface ready",
		"width", cfg.Extent.Width, "height", cfg.Extent.Height,
		"images", s.info.ImageCount, "presentMode", cfg.PresentMode.String())
	return nil
}

// Cleanup releases the chain and everything derived from it. The window
// binding survives.
func (s *Surface) Cleanup() {
	if s.chain == nil {
		return
	}
	for i := len(s.deps) - 1; i >= 0; i-- {
		s.deps[i].SurfaceDestroyed()
	}
	s.chain.Destroy()
	s.chain = nil
	s.info = Info{}
}

// Recreate rebuilds the chain to match the window. While the window is
// minimized it blocks on window events; if the window is asked to close
// meanwhile it returns gpu.ErrWindowClosed.
func (s *Surface) Recreate(ctx context.Context) error {
	if err := s.waitDrawable(ctx); err != nil {
		return err
	}
	// Clear before rebuilding so a resize reported during the rebuild is
	// picked up on the next frame.
	s.needsRebuild.Store(false)

	if s.chain != nil {
		if err := s.backend.WaitIdle(); err != nil {
			return errors.Wrap(err, "wait idle before rebuild")
		}
	}
	s.Cleanup()
	return s.Setup()
}

func (s *Surface) waitDrawable(ctx context.Context) error {
	for {
		w, h := s.window.FramebufferSize()
		if w > 0 && h > 0 {
			return nil
		}
		if s.window.ShouldClose() {
			return gpu.ErrWindowClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		logging.Logger().Debug("surface minimized, waiting for events")
		s.window.WaitEvents()
	}
}

// AcquireNext returns the next image index. OutOfDate is expected after a
// resize and is returned as a status, not an error. Suboptimal marks the
// surface for a rebuild after the current frame.
func (s *Surface) AcquireNext(signal gpu.Semaphore) (uint32, gpu.Status, error) {
	if s.chain == nil {
		return 0, gpu.OutOfDate, nil
	}
	image, status, err := s.chain.Acquire(signal)
	if err != nil {
		return 0, status, errors.Wrap(err, "acquire image")
	}
	if status != gpu.Success {
		s.needsRebuild.Store(true)
	}
	return image, status, nil
}

// Present queues image for display after wait is signaled.
func (s *Surface) Present(image uint32, wait gpu.Semaphore) (gpu.Status, error) {
	if s.chain == nil {
		return gpu.OutOfDate, nil
	}
	status, err := s.chain.Present(image, wait)
	if err != nil {
		return status, errors.Wrap(err, "present image")
	}
	if status != gpu.Success {
		s.needsRebuild.Store(true)
	}
	return status, nil
}

// RequestRebuild flags the surface for a rebuild at the next frame. It only
// stores a flag, so it is safe to call from window callbacks.
func (s *Surface) RequestRebuild() { s.needsRebuild.Store(true) }

// NeedsRebuild reports whether a rebuild is pending.
func (s *Surface) NeedsRebuild() bool { return s.needsRebuild.Load() }

// Ready reports whether a drawable chain exists.
func (s *Surface) Ready() bool { return s.chain != nil }

// Info describes the current chain. It is the zero value while no chain
// exists.
func (s *Surface) Info() Info { return s.info }

// Window returns the bound window.
func (s *Surface) Window() Window { return s.window }

// Destroy waits for the device and releases the chain.
func (s *Surface) Destroy() error {
	var err error
	if s.chain != nil {
		err = s.backend.WaitIdle()
	}
	s.Cleanup()
	s.deps = nil
	return err
}
