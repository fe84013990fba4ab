package simgpu

import (
	"sync"
)

// Window is a virtual window for headless runs and tests. It implements
// surface.Window.
type Window struct {
	mu      sync.Mutex
	w, h    int
	closing bool
	events  chan struct{}
	onSize  func(w, h int)
}

// NewWindow returns a window with the given framebuffer size.
func NewWindow(w, h int) *Window {
	return &Window{w: w, h: h, events: make(chan struct{}, 16)}
}

func (win *Window) FramebufferSize() (int, int) {
	win.mu.Lock()
	defer win.mu.Unlock()
	return win.w, win.h
}

func (win *Window) WaitEvents() { <-win.events }

func (win *Window) ShouldClose() bool {
	win.mu.Lock()
	defer win.mu.Unlock()
	return win.closing
}

// SetSizeCallback registers fn to run on every Resize, like a framebuffer
// size callback.
func (win *Window) SetSizeCallback(fn func(w, h int)) {
	win.mu.Lock()
	win.onSize = fn
	win.mu.Unlock()
}

// Resize changes the framebuffer size and posts an event.
func (win *Window) Resize(w, h int) {
	win.mu.Lock()
	win.w, win.h = w, h
	fn := win.onSize
	win.mu.Unlock()
	if fn != nil {
		fn(w, h)
	}
	win.post()
}

// Close asks the window to close and posts an event.
func (win *Window) Close() {
	win.mu.Lock()
	win.closing = true
	win.mu.Unlock()
	win.post()
}

func (win *Window) post() {
	select {
	case win.events <- struct{}{}:
	default:
	}
}
