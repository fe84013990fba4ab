// Package render binds windows to devices. Each registered window gets its
// own presentation surface and frame orchestrator; windows registered with
// the same kind share one device.
package render

import (
	"context"

	"github.com/pkg/errors"

	"kube/internal/frame"
	"kube/internal/logging"
	"kube/internal/surface"
)

// Kind selects which device a window renders with.
type Kind int

const (
	KindVulkan Kind = iota
	KindHeadless
)

func (k Kind) String() string {
	switch k {
	case KindVulkan:
		return "vulkan"
	case KindHeadless:
		return "headless"
	}
	return "unknown"
}

// ParseKind parses the names printed by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "vulkan":
		return KindVulkan, nil
	case "headless":
		return KindHeadless, nil
	}
	return 0, errors.Errorf("unknown renderer kind %q", s)
}

// Target is everything a device provides for one window.
type Target interface {
	surface.Backend
	frame.Backend
	Destroy()
}

// Device creates targets for windows.
type Device interface {
	NewTarget(win surface.Window) (Target, error)
	WaitIdle() error
	Destroy()
}

// Options apply to every registered window.
type Options struct {
	Surface surface.Options
	Frame   frame.Options
}

type binding struct {
	target Target
	surf   *surface.Surface
	orch   *frame.Orchestrator
}

// Renderer owns the devices and the per-window bindings. It is not safe for
// concurrent use.
type Renderer struct {
	opts    Options
	devices map[Kind]Device
	windows map[surface.Window]*binding
}

// New returns a renderer with no devices.
func New(opts Options) *Renderer {
	return &Renderer{
		opts:    opts,
		devices: make(map[Kind]Device),
		windows: make(map[surface.Window]*binding),
	}
}

// AddDevice makes dev the device for kind. The renderer destroys it on
// Close.
func (r *Renderer) AddDevice(kind Kind, dev Device) error {
	if _, ok := r.devices[kind]; ok {
		return errors.Errorf("%s device already added", kind)
	}
	r.devices[kind] = dev
	return nil
}

// RegisterWindow creates the surface and orchestrator for win and sets the
// surface up, waiting while the window is minimized.
func (r *Renderer) RegisterWindow(win surface.Window, kind Kind) (*frame.Orchestrator, error) {
	if _, ok := r.windows[win]; ok {
		return nil, errors.New("window already registered")
	}
	dev, ok := r.devices[kind]
	if !ok {
		return nil, errors.Errorf("no %s device", kind)
	}
	target, err := dev.NewTarget(win)
	if err != nil {
		return nil, errors.Wrapf(err, "bind window to %s device", kind)
	}

	surf := surface.New(target, win, r.opts.Surface)
	if dep, ok := target.(surface.Dependent); ok {
		surf.Attach(dep)
	}
	orch, err := frame.NewOrchestrator(surf, target, r.opts.Frame)
	if err != nil {
		target.Destroy()
		return nil, err
	}
	if err := surf.Recreate(context.Background()); err != nil {
		orch.Close()
		target.Destroy()
		return nil, errors.Wrap(err, "set up surface")
	}

	r.windows[win] = &binding{target: target, surf: surf, orch: orch}
	logging.Logger().Info("window registered", "kind", kind.String(), "windows", len(r.windows))
	return orch, nil
}

// UnregisterWindow tears down everything RegisterWindow created for win.
func (r *Renderer) UnregisterWindow(win surface.Window) error {
	b, ok := r.windows[win]
	if !ok {
		return errors.New("window not registered")
	}
	delete(r.windows, win)
	err := b.orch.Close()
	if serr := b.surf.Destroy(); err == nil {
		err = serr
	}
	b.target.Destroy()
	return err
}

// Close unregisters every window and destroys the devices.
func (r *Renderer) Close() error {
	var first error
	for win := range r.windows {
		if err := r.UnregisterWindow(win); err != nil && first == nil {
			first = err
		}
	}
	for kind, dev := range r.devices {
		dev.Destroy()
		delete(r.devices, kind)
	}
	return first
}
