package frame_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kube/internal/frame"
	"kube/internal/simgpu"
)

func newTarget(t *testing.T, opts simgpu.Options) (*simgpu.Device, *simgpu.Target) {
	t.Helper()
	dev := simgpu.New(opts)
	target, err := dev.NewTarget(simgpu.NewWindow(320, 240))
	require.NoError(t, err)
	t.Cleanup(func() {
		dev.Run()
		dev.Destroy()
	})
	return dev, target.(*simgpu.Target)
}

func TestSynchronizerSlotCount(t *testing.T) {
	_, tgt := newTarget(t, simgpu.DefaultOptions())
	for _, n := range []int{0, -1, frame.MaxFramesInFlight + 1} {
		_, err := frame.NewSynchronizer(tgt, n)
		assert.Error(t, err, "n=%d", n)
	}
	s, err := frame.NewSynchronizer(tgt, 3)
	require.NoError(t, err)
	defer s.Destroy()
	assert.Equal(t, 3, s.Len())
	assert.Same(t, s.Slot(1), s.Slot(4))
	assert.NotSame(t, s.Slot(0), s.Slot(1))
}

func TestSynchronizerFencesStartSignaled(t *testing.T) {
	_, tgt := newTarget(t, simgpu.DefaultOptions())
	s, err := frame.NewSynchronizer(tgt, 2)
	require.NoError(t, err)
	defer s.Destroy()

	for f := uint64(0); f < 2; f++ {
		slot, err := s.BeginFrame(context.Background(), f)
		require.NoError(t, err)
		ok, err := slot.Fence.Signaled()
		require.NoError(t, err)
		assert.True(t, ok, "BeginFrame leaves the fence signaled")
	}
}

func TestSynchronizerDeferRunsAfterRetire(t *testing.T) {
	dev, tgt := newTarget(t, simgpu.DefaultOptions())
	s, err := frame.NewSynchronizer(tgt, 2)
	require.NoError(t, err)
	defer s.Destroy()

	var order []int
	s.Defer(0, func() { order = append(order, 1) })
	s.Defer(0, func() { order = append(order, 2) })
	s.Defer(1, func() { order = append(order, 3) })

	_, err = s.BeginFrame(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, order)

	s.Drain()
	assert.Equal(t, []int{1, 2, 3}, order)
	require.NoError(t, dev.WaitIdle())
}

func TestSynchronizerDestroyedRing(t *testing.T) {
	_, tgt := newTarget(t, simgpu.DefaultOptions())
	s, err := frame.NewSynchronizer(tgt, 2)
	require.NoError(t, err)
	s.Destroy()

	assert.Nil(t, s.Slot(3))
	ran := false
	assert.NotPanics(t, func() { s.Defer(3, func() { ran = true }) })
	assert.True(t, ran)
	_, err = s.BeginFrame(context.Background(), 0)
	assert.Error(t, err)
	assert.Error(t, s.EndFrame(0))
}
