// Package simgpu is an in-process GPU that executes submissions on its own
// goroutine. Fences, semaphores and image chains follow the same rules as a
// real device, and misuse (resetting a fence in flight, writing an image that
// is still being rendered, releasing a mesh a pending frame reads) is
// recorded as a violation instead of corrupting anything.
package simgpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"kube/internal/gpu"
	"kube/internal/logging"
	"kube/internal/render"
	"kube/internal/surface"
)

// Options configure a device.
type Options struct {
	// Delay is how long each submission takes to execute.
	Delay time.Duration
	// Manual holds every submission until Step releases it.
	Manual bool

	Formats      []surface.Format
	PresentModes []surface.PresentMode
	MinImages    uint32
	MaxImages    uint32
	// AcquireOrder scripts the first image indices handed out by Acquire;
	// after it runs out images are handed out round-robin.
	AcquireOrder []uint32
}

// DefaultOptions is a three-image device supporting every present mode.
func DefaultOptions() Options {
	return Options{
		Delay:        time.Millisecond,
		Formats:      []surface.Format{surface.DefaultFormat},
		PresentModes: []surface.PresentMode{surface.PresentFIFO, surface.PresentMailbox, surface.PresentImmediate},
		MinImages:    2,
		MaxImages:    3,
	}
}

// Presentation is one image shown on screen.
type Presentation struct {
	Image uint32
	// Submission is the sequence number of the submission that rendered it.
	Submission int
}

type submission struct {
	seq    int
	cmds   *Commands
	chain  *Chain
	image  int
	wait   *Semaphore
	signal *Semaphore
	fence  *Fence
	meshes []*Mesh
}

type pendingPresent struct {
	image uint32
	wait  *Semaphore
}

// Device is a simulated GPU. It implements render.Device.
type Device struct {
	opts Options

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*submission
	tokens   int
	retired  int
	manual   bool
	closed   bool
	lost     bool
	lostCh   chan struct{}
	seq      int
	inFlight int
	maxIn    int

	presents   []Presentation
	waiting    []pendingPresent
	violations []string
	busyImages map[*Chain]map[int]bool

	liveImages int
	liveMeshes int
}

var _ render.Device = (*Device)(nil)

// New starts a device.
func New(opts Options) *Device {
	d := &Device{
		opts:       opts,
		manual:     opts.Manual,
		lostCh:     make(chan struct{}),
		busyImages: make(map[*Chain]map[int]bool),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *Device) run() {
	for {
		d.mu.Lock()
		for !d.closed && (len(d.queue) == 0 || (d.manual && d.tokens == 0)) {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		sub := d.queue[0]
		if d.manual {
			d.tokens--
		}
		d.mu.Unlock()

		if d.opts.Delay > 0 {
			time.Sleep(d.opts.Delay)
		}

		d.mu.Lock()
		if !d.lost {
			d.queue = d.queue[1:]
			d.retire(sub)
		}
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

func (d *Device) violate(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.violations = append(d.violations, msg)
	logging.Logger().Warn("simgpu violation", "msg", msg)
}

func (d *Device) retire(sub *submission) {
	if sub.wait != nil {
		if !sub.wait.signaled {
			d.violate("submission %d waited on an unsignaled semaphore", sub.seq)
		}
		sub.wait.signaled = false
	}
	if sub.signal != nil {
		sub.signal.signaled = true
		sub.signal.pending = false
		sub.signal.seq = sub.seq
	}
	if sub.cmds != nil {
		sub.cmds.pending = false
		if sub.chain != nil {
			delete(d.busyImages[sub.chain], sub.image)
		}
	}
	for _, m := range sub.meshes {
		m.uses--
	}
	if sub.fence != nil {
		sub.fence.signal()
	}
	d.inFlight--
	d.retired++

	kept := d.waiting[:0]
	for _, p := range d.waiting {
		if p.wait == sub.signal {
			d.present(p.image, p.wait)
			continue
		}
		kept = append(kept, p)
	}
	d.waiting = kept
}

func (d *Device) present(image uint32, wait *Semaphore) {
	wait.signaled = false
	d.presents = append(d.presents, Presentation{Image: image, Submission: wait.seq})
}

func (d *Device) submit(sub *submission) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return gpu.ErrDeviceLost
	}
	if d.closed {
		return errors.New("device closed")
	}
	if sub.fence != nil {
		if sub.fence.signaled {
			d.violate("submit with a signaled fence")
		}
		if sub.fence.pending {
			d.violate("fence submitted twice")
		}
		sub.fence.pending = true
	}
	if sub.cmds != nil {
		if sub.cmds.pending {
			d.violate("commands submitted while in flight")
		}
		if sub.cmds.recording {
			d.violate("commands submitted before End")
		}
		sub.cmds.pending = true
		sub.image = sub.cmds.image
		sub.chain = sub.cmds.chain
		if c := sub.chain; c != nil {
			busy := d.busyImages[c]
			if busy == nil {
				busy = make(map[int]bool)
				d.busyImages[c] = busy
			}
			if busy[sub.image] {
				d.violate("image %d written while a previous frame still renders it", sub.image)
			}
			busy[sub.image] = true
		}
		for _, m := range sub.cmds.meshes {
			m.uses++
		}
		sub.meshes = append(sub.meshes, sub.cmds.meshes...)
	}
	if sub.wait != nil && !sub.wait.signaled && !sub.wait.pending {
		d.violate("submission waits on a semaphore nothing will signal")
	}
	if sub.signal != nil {
		sub.signal.pending = true
	}
	d.seq++
	sub.seq = d.seq
	d.queue = append(d.queue, sub)
	d.inFlight++
	if d.inFlight > d.maxIn {
		d.maxIn = d.inFlight
	}
	d.cond.Broadcast()
	return nil
}

// Step releases one held submission and waits for it to retire. It reports
// false when nothing is queued.
func (d *Device) Step() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) <= d.tokens || d.lost {
		return false
	}
	d.tokens++
	target := d.retired + d.tokens
	d.cond.Broadcast()
	for d.retired < target && !d.lost && !d.closed {
		d.cond.Wait()
	}
	return true
}

// Run drops manual mode and lets every held submission execute.
func (d *Device) Run() {
	d.mu.Lock()
	d.manual = false
	d.tokens = 0
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Lose simulates device loss: pending work is dropped and every wait and
// submission fails with gpu.ErrDeviceLost.
func (d *Device) Lose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return
	}
	d.lost = true
	d.queue = nil
	close(d.lostCh)
	d.cond.Broadcast()
}

// WaitIdle blocks until every submission has retired. In manual mode that
// needs Step or Run from another goroutine.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) > 0 && !d.lost && !d.closed {
		d.cond.Wait()
	}
	if d.lost {
		return gpu.ErrDeviceLost
	}
	return nil
}

// Destroy stops the execution goroutine.
func (d *Device) Destroy() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

// NewTarget binds a window. It implements render.Device.
func (d *Device) NewTarget(win surface.Window) (render.Target, error) {
	return &Target{dev: d, win: win}, nil
}

// MaxInFlight is the largest number of unretired submissions seen at once.
func (d *Device) MaxInFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxIn
}

// InFlight is the number of unretired submissions.
func (d *Device) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// Submissions is the number of submissions accepted.
func (d *Device) Submissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// Presentations returns every image shown so far, in display order.
func (d *Device) Presentations() []Presentation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Presentation(nil), d.presents...)
}

// Violations returns every synchronization rule broken so far.
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violations...)
}

// LiveImages is the number of chain images not yet destroyed.
func (d *Device) LiveImages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveImages
}

// LiveMeshes is the number of meshes not yet released.
func (d *Device) LiveMeshes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveMeshes
}
