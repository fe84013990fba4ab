package main

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"kube/internal/config"
	"kube/internal/frame"
	"kube/internal/gpu"
	"kube/internal/logging"
	"kube/internal/render"
	"kube/internal/simgpu"
	"kube/internal/surface"
)

// maxFrameErrors is how many frames in a row may fail before the loop gives
// up.
const maxFrameErrors = 3

// loop drives one frame per tick until the window closes, ctx is done,
// frames have been drawn (when frames > 0) or the device is lost.
func loop(ctx context.Context, orch *frame.Orchestrator, win surface.Window, poll func(), frames int) error {
	log := logging.Logger()
	sc, err := newScene(orch, time.Now())
	if err != nil {
		return err
	}

	failures := 0
	for n := 0; frames == 0 || n < frames; n++ {
		poll()
		if win.ShouldClose() || ctx.Err() != nil {
			break
		}
		err := tick(ctx, orch, sc)
		switch {
		case err == nil:
			failures = 0
			continue
		case errors.Is(err, gpu.ErrWindowClosed), ctx.Err() != nil:
			return nil
		case gpu.IsFatal(err):
			return err
		}
		failures++
		log.Warn("frame failed", "frame", orch.FrameIndex(), "err", err)
		if failures >= maxFrameErrors {
			return errors.Wrapf(err, "%d frames failed in a row", failures)
		}
	}

	st := orch.Stats()
	log.Info("frame loop finished", "frames", st.Frames, "skipped", st.Skipped, "rebuilds", st.Rebuilds)
	return nil
}

func tick(ctx context.Context, orch *frame.Orchestrator, sc *scene) error {
	if err := orch.StartFrame(ctx); err != nil {
		return err
	}
	if err := sc.tick(orch, time.Now()); err != nil {
		// The frame is open; close it so the next tick can start.
		if eerr := orch.EndFrame(ctx); eerr != nil {
			return eerr
		}
		return err
	}
	return orch.EndFrame(ctx)
}

// runHeadless renders on the simulated GPU into an invisible window of the
// configured size.
func runHeadless(ctx context.Context, cfg config.Config, frames int) error {
	r := render.New(cfg.RenderOptions())
	defer r.Close()
	if err := r.AddDevice(render.KindHeadless, simgpu.New(simgpu.DefaultOptions())); err != nil {
		return err
	}
	win := simgpu.NewWindow(cfg.Window.Width, cfg.Window.Height)
	orch, err := r.RegisterWindow(win, render.KindHeadless)
	if err != nil {
		return err
	}
	win.SetSizeCallback(func(int, int) { orch.RequestRebuild() })
	if err := loop(ctx, orch, win, func() {}, frames); err != nil {
		return err
	}
	return r.UnregisterWindow(win)
}
