package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kube/internal/render"
	"kube/internal/surface"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(EnvValidation, "")
	t.Setenv(EnvBackend, "")
	t.Setenv(EnvLogLevel, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvValidation, "")
	t.Setenv(EnvBackend, "")
	t.Setenv(EnvLogLevel, "")
	path := filepath.Join(t.TempDir(), "kube.toml")
	data := `
[window]
width = 1280
height = 720

[renderer]
backend = "headless"
frames_in_flight = 3
present_mode = "fifo"
fence_timeout = "2s"
shader_dir = "build/shaders"

[log]
level = "debug"
format = "json"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1280, cfg.Window.Width)
	assert.Equal(t, "Kube", cfg.Window.Title, "unset keys keep defaults")
	assert.Equal(t, render.KindHeadless, cfg.Kind())
	assert.Equal(t, "build/shaders", cfg.Renderer.ShaderDir)

	opts := cfg.RenderOptions()
	assert.Equal(t, 3, opts.Frame.FramesInFlight)
	assert.Equal(t, 2*time.Second, opts.Frame.FenceTimeout)
	assert.Equal(t, surface.PresentFIFO, opts.Surface.PresentMode)
	assert.Equal(t, surface.DefaultFormat, opts.Surface.Format)
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	err := Decode([]byte("[renderer]\nframes = 2\n"), &cfg)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvValidation: "0",
		EnvBackend:    "HEADLESS",
		EnvLogLevel:   "warn",
	}
	cfg := Default()
	cfg.applyEnv(func(k string) string { return env[k] })
	assert.False(t, cfg.Renderer.Validation)
	assert.Equal(t, "headless", cfg.Renderer.Backend)
	assert.Equal(t, "warn", cfg.Log.Level)

	env[EnvValidation] = "yes"
	cfg.applyEnv(func(k string) string { return env[k] })
	assert.True(t, cfg.Renderer.Validation)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero width", func(c *Config) { c.Window.Width = 0 }},
		{"no frames", func(c *Config) { c.Renderer.FramesInFlight = 0 }},
		{"too many frames", func(c *Config) { c.Renderer.FramesInFlight = 5 }},
		{"backend", func(c *Config) { c.Renderer.Backend = "dx12" }},
		{"present mode", func(c *Config) { c.Renderer.PresentMode = "vsync" }},
		{"timeout", func(c *Config) { c.Renderer.FenceTimeout = "soon" }},
		{"negative timeout", func(c *Config) { c.Renderer.FenceTimeout = "-1s" }},
		{"log level", func(c *Config) { c.Log.Level = "trace" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
