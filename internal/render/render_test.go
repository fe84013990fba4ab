package render_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kube/internal/frame"
	"kube/internal/gpu"
	"kube/internal/render"
	"kube/internal/simgpu"
	"kube/internal/surface"
)

func newRenderer(t *testing.T) (*render.Renderer, *simgpu.Device) {
	t.Helper()
	dev := simgpu.New(simgpu.DefaultOptions())
	r := render.New(render.Options{Surface: surface.DefaultOptions(), Frame: frame.DefaultOptions()})
	require.NoError(t, r.AddDevice(render.KindHeadless, dev))
	return r, dev
}

func TestParseKind(t *testing.T) {
	for _, k := range []render.Kind{render.KindVulkan, render.KindHeadless} {
		got, err := render.ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := render.ParseKind("metal")
	assert.Error(t, err)
}

func TestRegisterWindow(t *testing.T) {
	r, dev := newRenderer(t)
	win := simgpu.NewWindow(800, 600)

	orch, err := r.RegisterWindow(win, render.KindHeadless)
	require.NoError(t, err)
	assert.True(t, orch.Surface().Ready())
	assert.Equal(t, surface.Extent{Width: 800, Height: 600}, orch.Surface().Info().Extent)
	assert.Equal(t, surface.PresentMailbox, orch.Surface().Info().PresentMode)

	ctx := context.Background()
	require.NoError(t, orch.StartFrame(ctx))
	require.NoError(t, orch.EndFrame(ctx))

	_, err = r.RegisterWindow(win, render.KindHeadless)
	assert.Error(t, err, "already registered")

	require.NoError(t, r.UnregisterWindow(win))
	assert.Equal(t, 0, dev.LiveImages())
	assert.Error(t, r.UnregisterWindow(win))
	assert.Empty(t, dev.Violations())
	require.NoError(t, r.Close())
}

func TestWindowsShareDevice(t *testing.T) {
	r, dev := newRenderer(t)
	a := simgpu.NewWindow(800, 600)
	b := simgpu.NewWindow(320, 200)

	oa, err := r.RegisterWindow(a, render.KindHeadless)
	require.NoError(t, err)
	ob, err := r.RegisterWindow(b, render.KindHeadless)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		for _, o := range []*frame.Orchestrator{oa, ob} {
			require.NoError(t, o.StartFrame(ctx))
			require.NoError(t, o.EndFrame(ctx))
		}
	}
	require.NoError(t, dev.WaitIdle())
	assert.Equal(t, 8, dev.Submissions())
	assert.Len(t, dev.Presentations(), 8)
	assert.Equal(t, 6, dev.LiveImages())

	require.NoError(t, r.Close())
	assert.Equal(t, 0, dev.LiveImages())
	assert.Empty(t, dev.Violations())
}

func TestRegisterUnknownKind(t *testing.T) {
	r, _ := newRenderer(t)
	defer r.Close()
	_, err := r.RegisterWindow(simgpu.NewWindow(10, 10), render.KindVulkan)
	assert.Error(t, err)

	extra := simgpu.New(simgpu.DefaultOptions())
	defer extra.Destroy()
	assert.Error(t, r.AddDevice(render.KindHeadless, extra))
}

func TestRegisterUnsupported(t *testing.T) {
	opts := simgpu.DefaultOptions()
	opts.PresentModes = nil
	dev := simgpu.New(opts)
	r := render.New(render.Options{Surface: surface.DefaultOptions(), Frame: frame.DefaultOptions()})
	require.NoError(t, r.AddDevice(render.KindHeadless, dev))
	defer r.Close()

	_, err := r.RegisterWindow(simgpu.NewWindow(10, 10), render.KindHeadless)
	assert.True(t, errors.Is(err, gpu.ErrDeviceUnsupported))
	assert.True(t, gpu.IsFatal(err))
}
