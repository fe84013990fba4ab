package frame_test

import (
	"context"
	"testing"
	"time"

	mgl32 "github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kube/internal/frame"
	"kube/internal/gpu"
	"kube/internal/handle"
	"kube/internal/simgpu"
	"kube/internal/surface"
)

type rig struct {
	dev  *simgpu.Device
	tgt  *simgpu.Target
	win  *simgpu.Window
	surf *surface.Surface
	orch *frame.Orchestrator
}

func newRig(t *testing.T, devOpts simgpu.Options, opts frame.Options) *rig {
	t.Helper()
	dev := simgpu.New(devOpts)
	win := simgpu.NewWindow(800, 600)
	target, err := dev.NewTarget(win)
	require.NoError(t, err)
	tgt := target.(*simgpu.Target)

	surf := surface.New(tgt, win, surface.DefaultOptions())
	orch, err := frame.NewOrchestrator(surf, tgt, opts)
	require.NoError(t, err)
	require.NoError(t, surf.Recreate(context.Background()))

	t.Cleanup(func() {
		dev.Run()
		orch.Close()
		surf.Destroy()
		dev.Destroy()
	})
	return &rig{dev: dev, tgt: tgt, win: win, surf: surf, orch: orch}
}

func manual() simgpu.Options {
	o := simgpu.DefaultOptions()
	o.Manual = true
	o.Delay = 0
	return o
}

func frames(n int) frame.Options {
	return frame.Options{FramesInFlight: n}
}

func (r *rig) tick(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.orch.StartFrame(ctx))
	require.NoError(t, r.orch.EndFrame(ctx))
}

func startAsync(o *frame.Orchestrator) <-chan error {
	done := make(chan error, 1)
	go func() { done <- o.StartFrame(context.Background()) }()
	return done
}

func assertBlocked(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("returned while it should block: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlotFenceGating(t *testing.T) {
	for n := 1; n <= 3; n++ {
		r := newRig(t, manual(), frames(n))
		for i := 0; i < n; i++ {
			r.tick(t)
		}
		assert.Equal(t, n, r.dev.InFlight())

		done := startAsync(r.orch)
		assertBlocked(t, done)

		require.True(t, r.dev.Step())
		require.NoError(t, <-done)
		require.NoError(t, r.orch.EndFrame(context.Background()))
		assert.Equal(t, n, r.dev.MaxInFlight(), "frames in flight = %d", n)
		assert.Empty(t, r.dev.Violations())
	}
}

func TestImageOwnershipWait(t *testing.T) {
	opts := manual()
	opts.AcquireOrder = []uint32{0, 0}
	r := newRig(t, opts, frames(2))

	r.tick(t)

	// The second slot is free, but image 0 is still being rendered by the
	// first frame.
	done := startAsync(r.orch)
	assertBlocked(t, done)

	require.True(t, r.dev.Step())
	require.NoError(t, <-done)
	require.NoError(t, r.orch.EndFrame(context.Background()))

	r.dev.Run()
	require.NoError(t, r.dev.WaitIdle())
	assert.Empty(t, r.dev.Violations())
}

func TestFramesInFlightBound(t *testing.T) {
	r := newRig(t, manual(), frames(2))
	require.Equal(t, 3, r.surf.Info().ImageCount)

	for i := 0; i < 10; i++ {
		r.tick(t)
		if i >= 1 {
			// retire one frame behind
			require.True(t, r.dev.Step())
		}
	}
	r.dev.Run()
	require.NoError(t, r.dev.WaitIdle())

	assert.LessOrEqual(t, r.dev.MaxInFlight(), 2)
	assert.Equal(t, 10, r.dev.Submissions())
	presents := r.dev.Presentations()
	require.Len(t, presents, 10)
	for i, p := range presents {
		assert.Equal(t, i+1, p.Submission)
		assert.Equal(t, uint32(i%3), p.Image)
	}
	assert.Empty(t, r.dev.Violations())
	assert.Equal(t, uint64(10), r.orch.FrameIndex())
}

func TestResizeToZeroAndBack(t *testing.T) {
	r := newRig(t, simgpu.DefaultOptions(), frames(2))
	for i := 0; i < 3; i++ {
		r.tick(t)
	}

	r.win.Resize(0, 0)
	r.orch.RequestRebuild()
	done := startAsync(r.orch)
	assertBlocked(t, done)

	r.win.Resize(640, 480)
	require.NoError(t, <-done)
	require.NoError(t, r.orch.EndFrame(context.Background()))
	r.tick(t)

	info := r.surf.Info()
	assert.Equal(t, surface.Extent{Width: 640, Height: 480}, info.Extent)
	assert.NotZero(t, info.ImageCount)
	assert.Equal(t, info.ImageCount, r.dev.LiveImages())
	assert.Equal(t, uint64(1), r.orch.Stats().Rebuilds)
	require.NoError(t, r.dev.WaitIdle())
	assert.Empty(t, r.dev.Violations())
}

func TestResizeDetectedByAcquire(t *testing.T) {
	r := newRig(t, simgpu.DefaultOptions(), frames(2))
	r.tick(t)

	// No callback: the stale chain is found by the acquire itself.
	r.win.Resize(1024, 768)
	r.tick(t)
	assert.Equal(t, surface.Extent{Width: 1024, Height: 768}, r.surf.Info().Extent)
	assert.Equal(t, uint64(2), r.orch.FrameIndex())
	assert.Empty(t, r.dev.Violations())
}

func TestOutOfDateTwiceSkipsFrame(t *testing.T) {
	r := newRig(t, simgpu.DefaultOptions(), frames(2))
	r.tick(t)

	r.tgt.ForceAcquireStatus(gpu.OutOfDate, 2)
	r.tick(t)
	st := r.orch.Stats()
	assert.Equal(t, uint64(1), st.Skipped)
	assert.Equal(t, uint64(1), st.Frames)
	assert.Equal(t, frame.Idle, st.State)

	r.tick(t)
	assert.Equal(t, uint64(2), r.orch.FrameIndex())
	require.NoError(t, r.dev.WaitIdle())
	assert.Empty(t, r.dev.Violations())
}

func TestSuboptimalFinishesFrame(t *testing.T) {
	r := newRig(t, simgpu.DefaultOptions(), frames(2))
	r.tgt.ForceAcquireStatus(gpu.Suboptimal, 1)

	require.NoError(t, r.orch.StartFrame(context.Background()))
	assert.True(t, r.surf.NeedsRebuild())
	require.NoError(t, r.orch.EndFrame(context.Background()))
	assert.Equal(t, uint64(1), r.orch.FrameIndex())

	r.tick(t)
	assert.False(t, r.surf.NeedsRebuild())
	assert.Equal(t, uint64(1), r.orch.Stats().Rebuilds)
}

func TestDeferredMeshRelease(t *testing.T) {
	r := newRig(t, manual(), frames(2))
	ctx := context.Background()

	// Nothing submitted yet: released at once.
	h, err := r.orch.AddModel(frame.ModelDesc{Mesh: frame.CubeMesh(), Visible: true})
	require.NoError(t, err)
	require.NoError(t, r.orch.RemoveModel(h))
	assert.Equal(t, 0, r.dev.LiveMeshes())

	h, err = r.orch.AddModel(frame.ModelDesc{Mesh: frame.CubeMesh(), Visible: true})
	require.NoError(t, err)
	r.tick(t) // frame 0 draws the mesh

	require.NoError(t, r.orch.RemoveModel(h))
	assert.Equal(t, 1, r.dev.LiveMeshes(), "frame 0 still reads the mesh")

	r.tick(t) // frame 1, second slot
	assert.Equal(t, 1, r.dev.LiveMeshes())

	require.True(t, r.dev.Step()) // retire frame 0
	require.NoError(t, r.orch.StartFrame(ctx))
	assert.Equal(t, 0, r.dev.LiveMeshes())
	require.NoError(t, r.orch.EndFrame(ctx))

	r.dev.Run()
	require.NoError(t, r.dev.WaitIdle())
	assert.Empty(t, r.dev.Violations())
}

func TestUpdateModelSwapsMesh(t *testing.T) {
	r := newRig(t, simgpu.DefaultOptions(), frames(2))
	cube := frame.CubeMesh()
	h, err := r.orch.AddModel(frame.ModelDesc{Mesh: cube, Visible: true})
	require.NoError(t, err)
	r.tick(t)

	rot := mgl32.HomogRotate3D(1, mgl32.Vec3{0, 0, 1})
	require.NoError(t, r.orch.UpdateModel(h, frame.ModelDesc{Mesh: cube, Transform: rot, Visible: true}))
	assert.Equal(t, 1, r.dev.LiveMeshes(), "same mesh is not uploaded again")
	m, err := r.orch.Model(h)
	require.NoError(t, err)
	assert.Equal(t, rot, m.Transform)

	require.NoError(t, r.orch.UpdateModel(h, frame.ModelDesc{Mesh: frame.CubeMesh(), Visible: true}))
	assert.Equal(t, 2, r.dev.LiveMeshes(), "old mesh waits for its frame to retire")
	for i := 0; i < 3; i++ {
		r.tick(t)
	}
	assert.Equal(t, 1, r.dev.LiveMeshes())
	require.NoError(t, r.dev.WaitIdle())
	assert.Empty(t, r.dev.Violations())
}

func TestModelHandleChurn(t *testing.T) {
	r := newRig(t, simgpu.DefaultOptions(), frames(2))
	var hs []handle.Handle
	for i := 0; i < 5; i++ {
		h, err := r.orch.AddModel(frame.ModelDesc{Mesh: frame.CubeMesh(), Visible: true})
		require.NoError(t, err)
		hs = append(hs, h)
	}
	r.tick(t)

	require.NoError(t, r.orch.RemoveModel(hs[1]))
	require.NoError(t, r.orch.RemoveModel(hs[3]))
	assert.Equal(t, 3, r.orch.ModelCount())

	a, err := r.orch.AddModel(frame.ModelDesc{Mesh: frame.CubeMesh()})
	require.NoError(t, err)
	b, err := r.orch.AddModel(frame.ModelDesc{Mesh: frame.CubeMesh()})
	require.NoError(t, err)
	assert.Equal(t, 5, r.orch.ModelCount())
	assert.ElementsMatch(t, []int{1, 3}, []int{a.Index(), b.Index()})

	err = r.orch.UpdateModel(hs[1], frame.ModelDesc{Visible: true})
	assert.True(t, errors.Is(err, handle.ErrInvalidHandle))
	err = r.orch.RemoveModel(hs[3])
	assert.True(t, errors.Is(err, handle.ErrInvalidHandle))

	r.tick(t)
	require.NoError(t, r.dev.WaitIdle())
	assert.Empty(t, r.dev.Violations())
}

func TestGUILaidOutAtRecording(t *testing.T) {
	r := newRig(t, simgpu.DefaultOptions(), frames(2))
	h, err := r.orch.AddGUI(frame.GUIDesc{Text: "FPS: 60", Visible: true})
	require.NoError(t, err)
	g, err := r.orch.GUI(h)
	require.NoError(t, err)
	assert.Empty(t, g.Vertices, "staged only")

	r.tick(t)
	first := len(g.Vertices)
	assert.NotZero(t, first)

	require.NoError(t, r.orch.UpdateGUI(h, frame.GUIDesc{Text: "FPS: 1", Visible: true}))
	r.tick(t)
	assert.Less(t, len(g.Vertices), first)

	require.NoError(t, r.orch.RemoveGUI(h))
	assert.Equal(t, 0, r.orch.GUICount())
	assert.True(t, errors.Is(r.orch.UpdateGUI(h, frame.GUIDesc{}), handle.ErrInvalidHandle))
}

func TestCallsOutOfOrder(t *testing.T) {
	r := newRig(t, simgpu.DefaultOptions(), frames(2))
	ctx := context.Background()

	assert.True(t, errors.Is(r.orch.EndFrame(ctx), frame.ErrFrameState))
	assert.True(t, errors.Is(r.orch.SetCamera(mgl32.Ident4(), mgl32.Ident4()), frame.ErrFrameState))

	require.NoError(t, r.orch.StartFrame(ctx))
	assert.True(t, errors.Is(r.orch.StartFrame(ctx), frame.ErrFrameState))
	require.NoError(t, r.orch.SetCamera(mgl32.Ident4(), mgl32.Ident4()))
	require.NoError(t, r.orch.EndFrame(ctx))

	// The failed calls left the loop usable.
	r.tick(t)
	assert.Equal(t, uint64(2), r.orch.FrameIndex())
}

func TestDeviceLostIsTerminal(t *testing.T) {
	r := newRig(t, simgpu.DefaultOptions(), frames(2))
	r.tick(t)
	r.tick(t)
	r.dev.Lose()

	ctx := context.Background()
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		if err = r.orch.StartFrame(ctx); err == nil {
			err = r.orch.EndFrame(ctx)
		}
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, gpu.ErrDeviceLost))
	assert.Equal(t, frame.Lost, r.orch.State())

	assert.True(t, errors.Is(r.orch.StartFrame(ctx), gpu.ErrDeviceLost))
	_, err = r.orch.AddModel(frame.ModelDesc{Mesh: frame.CubeMesh()})
	assert.True(t, errors.Is(err, gpu.ErrDeviceLost))
}

func TestFenceTimeoutReportsDeviceLost(t *testing.T) {
	r := newRig(t, manual(), frame.Options{FramesInFlight: 1, FenceTimeout: 20 * time.Millisecond})
	r.tick(t)

	err := r.orch.StartFrame(context.Background())
	assert.True(t, errors.Is(err, gpu.ErrDeviceLost))
	assert.Equal(t, frame.Lost, r.orch.State())
}

func TestStartFrameHonorsContext(t *testing.T) {
	r := newRig(t, manual(), frames(1))
	r.tick(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.orch.StartFrame(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, frame.Idle, r.orch.State(), "cancellation is not fatal")

	require.True(t, r.dev.Step())
	r.tick(t)
}

type foreignMesh struct{}

func (foreignMesh) IndexCount() int { return 3 }
func (foreignMesh) Release()        {}

func TestRecordingFailureReleasesImage(t *testing.T) {
	r := newRig(t, simgpu.DefaultOptions(), frames(2))
	ctx := context.Background()
	h, err := r.orch.AddModel(frame.ModelDesc{Mesh: frame.CubeMesh(), Visible: true})
	require.NoError(t, err)
	m, err := r.orch.Model(h)
	require.NoError(t, err)
	own := m.Mesh
	m.Mesh = foreignMesh{}

	require.NoError(t, r.orch.StartFrame(ctx))
	err = r.orch.EndFrame(ctx)
	require.Error(t, err)
	assert.False(t, gpu.IsFatal(err))
	assert.Equal(t, frame.Idle, r.orch.State())
	assert.True(t, r.surf.NeedsRebuild())

	m.Mesh = own
	r.tick(t)
	r.tick(t)
	assert.Equal(t, uint64(1), r.orch.Stats().Rebuilds)
	require.NoError(t, r.dev.WaitIdle())
	assert.Empty(t, r.dev.Violations())
}

func TestRecordsRejectedAfterClose(t *testing.T) {
	r := newRig(t, simgpu.DefaultOptions(), frames(2))
	m, err := r.orch.AddModel(frame.ModelDesc{Mesh: frame.CubeMesh(), Visible: true})
	require.NoError(t, err)
	g, err := r.orch.AddGUI(frame.GUIDesc{Text: "hi", Visible: true})
	require.NoError(t, err)
	r.tick(t)
	require.NoError(t, r.orch.Close())

	assert.NotPanics(t, func() {
		_, err := r.orch.AddModel(frame.ModelDesc{Mesh: frame.CubeMesh(), Visible: true})
		assert.True(t, errors.Is(err, frame.ErrFrameState))
		assert.True(t, errors.Is(r.orch.RemoveModel(m), frame.ErrFrameState))
		assert.True(t, errors.Is(r.orch.UpdateModel(m, frame.ModelDesc{Visible: true}), frame.ErrFrameState))
		_, err = r.orch.AddGUI(frame.GUIDesc{Text: "again"})
		assert.True(t, errors.Is(err, frame.ErrFrameState))
		assert.True(t, errors.Is(r.orch.RemoveGUI(g), frame.ErrFrameState))
		assert.True(t, errors.Is(r.orch.UpdateGUI(g, frame.GUIDesc{}), frame.ErrFrameState))
	})
	assert.Equal(t, 0, r.dev.LiveMeshes())
}

// flakySubmit fails the next frame submission without queueing anything.
type flakySubmit struct {
	*simgpu.Target
	fail bool
}

func (f *flakySubmit) Submit(cmds frame.Commands, wait, signal gpu.Semaphore, fence gpu.Fence) error {
	if f.fail && cmds != nil {
		f.fail = false
		return errors.New("out of host memory")
	}
	return f.Target.Submit(cmds, wait, signal, fence)
}

func TestSubmitFailureKeepsSlotUsable(t *testing.T) {
	dev := simgpu.New(simgpu.DefaultOptions())
	win := simgpu.NewWindow(800, 600)
	target, err := dev.NewTarget(win)
	require.NoError(t, err)
	tgt := &flakySubmit{Target: target.(*simgpu.Target)}
	surf := surface.New(tgt.Target, win, surface.DefaultOptions())
	orch, err := frame.NewOrchestrator(surf, tgt, frames(1))
	require.NoError(t, err)
	require.NoError(t, surf.Recreate(context.Background()))
	t.Cleanup(func() {
		dev.Run()
		orch.Close()
		surf.Destroy()
		dev.Destroy()
	})

	ctx := context.Background()
	require.NoError(t, orch.StartFrame(ctx))
	require.NoError(t, orch.EndFrame(ctx))

	tgt.fail = true
	require.NoError(t, orch.StartFrame(ctx))
	err = orch.EndFrame(ctx)
	require.Error(t, err)
	assert.False(t, gpu.IsFatal(err))
	assert.Equal(t, frame.Idle, orch.State())
	assert.Equal(t, uint64(1), orch.FrameIndex())
	assert.True(t, surf.NeedsRebuild())

	// The single slot must retire even though its frame never ran.
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, orch.StartFrame(waitCtx))
	require.NoError(t, orch.EndFrame(ctx))
	assert.Equal(t, uint64(2), orch.FrameIndex())

	require.NoError(t, dev.WaitIdle())
	assert.Empty(t, dev.Violations())
}
