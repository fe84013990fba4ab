// Package config loads the application configuration from a TOML file with
// environment overrides.
package config

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"kube/internal/frame"
	"kube/internal/logging"
	"kube/internal/render"
	"kube/internal/surface"
)

// Environment overrides.
const (
	EnvValidation = "VK_VALIDATION"
	EnvBackend    = "KUBE_BACKEND"
	EnvLogLevel   = "KUBE_LOG_LEVEL"
)

type Window struct {
	Width  int    `toml:"width"`
	Height int    `toml:"height"`
	Title  string `toml:"title"`
}

type Renderer struct {
	// Backend is "vulkan" or "headless".
	Backend        string `toml:"backend"`
	FramesInFlight int    `toml:"frames_in_flight"`
	PresentMode    string `toml:"present_mode"`
	Validation     bool   `toml:"validation"`
	// FenceTimeout is a duration string; empty waits forever.
	FenceTimeout string `toml:"fence_timeout"`
	// ShaderDir holds the compiled SPIR-V shaders for the vulkan backend.
	ShaderDir string `toml:"shader_dir"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the whole file.
type Config struct {
	Window   Window   `toml:"window"`
	Renderer Renderer `toml:"renderer"`
	Log      Log      `toml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Window: Window{Width: 800, Height: 600, Title: "Kube"},
		Renderer: Renderer{
			Backend:        "vulkan",
			FramesInFlight: 2,
			PresentMode:    "mailbox",
			Validation:     true,
			ShaderDir:      "shaders",
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := Decode(data, &cfg); err != nil {
				return cfg, errors.Wrapf(err, "parse %s", path)
			}
		case os.IsNotExist(err):
			logging.Logger().Debug("config file not found, using defaults", "path", path)
		default:
			return cfg, errors.Wrap(err, "read config")
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Decode parses TOML into cfg, rejecting unknown keys.
func Decode(data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvValidation); v != "" {
		switch v {
		case "0", "false", "False", "FALSE":
			c.Renderer.Validation = false
		default:
			c.Renderer.Validation = true
		}
	}
	if v := getenv(EnvBackend); v != "" {
		c.Renderer.Backend = strings.ToLower(v)
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate rejects values the renderer cannot use.
func (c Config) Validate() error {
	if c.Window.Width <= 0 || c.Window.Height <= 0 {
		return errors.Errorf("window size %dx%d must be positive", c.Window.Width, c.Window.Height)
	}
	if n := c.Renderer.FramesInFlight; n < 1 || n > frame.MaxFramesInFlight {
		return errors.Errorf("frames_in_flight must be in [1, %d], got %d", frame.MaxFramesInFlight, n)
	}
	if _, err := render.ParseKind(c.Renderer.Backend); err != nil {
		return err
	}
	if _, err := surface.ParsePresentMode(c.Renderer.PresentMode); err != nil {
		return err
	}
	if _, err := c.fenceTimeout(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func (c Config) fenceTimeout() (time.Duration, error) {
	if c.Renderer.FenceTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Renderer.FenceTimeout)
	if err != nil {
		return 0, errors.Wrap(err, "fence_timeout")
	}
	if d < 0 {
		return 0, errors.Errorf("fence_timeout %s is negative", d)
	}
	return d, nil
}

// Kind returns the configured renderer kind. The config must be valid.
func (c Config) Kind() render.Kind {
	k, _ := render.ParseKind(c.Renderer.Backend)
	return k
}

// RenderOptions converts the renderer section. The config must be valid.
func (c Config) RenderOptions() render.Options {
	mode, _ := surface.ParsePresentMode(c.Renderer.PresentMode)
	timeout, _ := c.fenceTimeout()
	surf := surface.DefaultOptions()
	surf.PresentMode = mode
	return render.Options{
		Surface: surf,
		Frame: frame.Options{
			FramesInFlight: c.Renderer.FramesInFlight,
			FenceTimeout:   timeout,
		},
	}
}
