package vkr

import (
	"github.com/pkg/errors"
	"github.com/vulkan-go/glfw/v3.3/glfw"
	vk "github.com/vulkan-go/vulkan"

	"kube/internal/surface"
)

// Window is a GLFW window without a client API, ready for a Vulkan surface.
// GLFW must be initialized and every method called from the main thread.
type Window struct {
	*glfw.Window
}

var _ surface.Window = (*Window)(nil)

// NewWindow opens a window. Escape asks it to close.
func NewWindow(width, height int, title string) (*Window, error) {
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	w, err := glfw.CreateWindow(width, height, title, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create window")
	}
	w.SetKeyCallback(func(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		if key == glfw.KeyEscape && action == glfw.Press {
			w.SetShouldClose(true)
		}
	})
	return &Window{Window: w}, nil
}

func (w *Window) FramebufferSize() (int, int) { return w.GetFramebufferSize() }

func (w *Window) WaitEvents() { glfw.WaitEvents() }

// OnResize calls fn from the event loop whenever the framebuffer changes
// size.
func (w *Window) OnResize(fn func(width, height int)) {
	w.SetFramebufferSizeCallback(func(_ *glfw.Window, width, height int) {
		fn(width, height)
	})
}

func (w *Window) createSurface(instance vk.Instance) (vk.Surface, error) {
	ptr, err := w.CreateWindowSurface(instance, nil)
	if err != nil {
		return vk.Surface(vk.NullHandle), errors.Wrap(err, "create window surface")
	}
	return vk.SurfaceFromPointer(ptr), nil
}
