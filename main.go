package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"

	"github.com/pkg/errors"
	"github.com/vulkan-go/glfw/v3.3/glfw"

	"kube/internal/config"
	"kube/internal/logging"
	"kube/internal/render"
	"kube/internal/vkr"
)

func init() {
	// GLFW/Vulkan require the main thread.
	runtime.LockOSThread()
}

func main() {
	configPath := flag.String("config", "kube.toml", "TOML configuration file")
	headless := flag.Bool("headless", false, "render on the simulated GPU without a window")
	frames := flag.Int("frames", 0, "stop after this many frames; 0 runs until the window closes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kube: %v\n", err)
		os.Exit(2)
	}
	if *headless {
		cfg.Renderer.Backend = render.KindHeadless.String()
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kube: %v\n", err)
		os.Exit(2)
	}
	logging.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch cfg.Kind() {
	case render.KindHeadless:
		err = runHeadless(ctx, cfg, *frames)
	default:
		err = runWindowed(ctx, cfg, *frames)
	}
	if err != nil {
		logger.Error("exiting", "err", err)
		stop()
		os.Exit(1)
	}
}

func runWindowed(ctx context.Context, cfg config.Config, frames int) error {
	if err := glfw.Init(); err != nil {
		return errors.Wrap(err, "init glfw")
	}
	defer glfw.Terminate()

	win, err := vkr.NewWindow(cfg.Window.Width, cfg.Window.Height, cfg.Window.Title)
	if err != nil {
		return err
	}
	defer win.Destroy()

	dev, err := vkr.NewDevice(vkr.Options{
		Validation: cfg.Renderer.Validation,
		ShaderDir:  cfg.Renderer.ShaderDir,
		AppName:    cfg.Window.Title,
	}, win)
	if err != nil {
		return errors.Wrap(err, "init vulkan")
	}

	r := render.New(cfg.RenderOptions())
	defer r.Close()
	if err := r.AddDevice(render.KindVulkan, dev); err != nil {
		dev.Destroy()
		return err
	}
	orch, err := r.RegisterWindow(win, render.KindVulkan)
	if err != nil {
		return err
	}
	win.OnResize(func(int, int) { orch.RequestRebuild() })

	logging.Logger().Info("entering main loop")
	if err := loop(ctx, orch, win, glfw.PollEvents, frames); err != nil {
		return err
	}
	return r.UnregisterWindow(win)
}
