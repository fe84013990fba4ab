// Package gpu holds the small contract shared by the frame core and the
// graphics backends: completion fences, ordering semaphores, presentation
// status codes and the fatal error conditions.
package gpu

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrDeviceLost is returned when a wait or submission reports that the
	// device is gone. It is fatal and terminates the frame loop.
	ErrDeviceLost = errors.New("device lost")

	// ErrDeviceUnsupported is returned when a device/window pairing offers no
	// presentable images, formats or present modes.
	ErrDeviceUnsupported = errors.New("device unsupported")

	// ErrWindowClosed is returned when the window is asked to close while the
	// surface waits for a drawable framebuffer.
	ErrWindowClosed = errors.New("window closed")
)

// IsFatal reports whether err must stop the frame loop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeviceLost) || errors.Is(err, ErrDeviceUnsupported)
}

// Fence is a CPU-observable signal that GPU work has completed.
type Fence interface {
	// Wait blocks until the fence is signaled, ctx is done, or the device is
	// lost.
	Wait(ctx context.Context) error
	// Reset returns the fence to the unsignaled state.
	Reset() error
	// Signaled polls the fence without blocking.
	Signaled() (bool, error)
	Destroy()
}

// Semaphore orders GPU operations relative to each other. The CPU never waits
// on it.
type Semaphore interface {
	Destroy()
}

// Status is the non-fatal outcome of acquiring or presenting an image.
type Status int

const (
	Success Status = iota
	// Suboptimal means presentation still works but the chain no longer
	// matches the surface exactly.
	Suboptimal
	// OutOfDate means the chain no longer matches the window and must be
	// rebuilt before it can be used again.
	OutOfDate
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Suboptimal:
		return "suboptimal"
	case OutOfDate:
		return "out-of-date"
	}
	return "unknown"
}
