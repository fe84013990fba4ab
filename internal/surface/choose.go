package surface

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Format is a pixel format paired with its color space. Values are the
// backend's own enumerants (VkFormat / VkColorSpaceKHR for Vulkan).
type Format struct {
	Pixel      uint32
	ColorSpace uint32
}

// DefaultFormat is B8G8R8A8_SRGB with the sRGB non-linear color space.
var DefaultFormat = Format{Pixel: 50, ColorSpace: 0}

// PresentMode values match VkPresentModeKHR.
type PresentMode uint32

const (
	PresentImmediate   PresentMode = 0
	PresentMailbox     PresentMode = 1
	PresentFIFO        PresentMode = 2
	PresentFIFORelaxed PresentMode = 3
)

func (m PresentMode) String() string {
	switch m {
	case PresentImmediate:
		return "immediate"
	case PresentMailbox:
		return "mailbox"
	case PresentFIFO:
		return "fifo"
	case PresentFIFORelaxed:
		return "fifo_relaxed"
	}
	return "unknown"
}

// ParsePresentMode maps a config name onto a present mode.
func ParsePresentMode(name string) (PresentMode, error) {
	switch strings.ToLower(name) {
	case "immediate":
		return PresentImmediate, nil
	case "mailbox":
		return PresentMailbox, nil
	case "fifo":
		return PresentFIFO, nil
	case "fifo_relaxed":
		return PresentFIFORelaxed, nil
	}
	return 0, errors.Errorf("unknown present mode %q", name)
}

// Extent is a size in pixels.
type Extent struct {
	Width  uint32
	Height uint32
}

// Zero reports whether either dimension is zero.
func (e Extent) Zero() bool { return e.Width == 0 || e.Height == 0 }

// undefinedExtent in Capabilities.Current means the surface size is decided
// by the chain, not the window system.
const undefinedExtent = math.MaxUint32

// Capabilities is what the backend reports for a window surface.
type Capabilities struct {
	Formats       []Format
	PresentModes  []PresentMode
	MinImageCount uint32
	MaxImageCount uint32 // 0 means no limit
	Current       Extent
	MinExtent     Extent
	MaxExtent     Extent
}

// ChooseFormat returns want when offered, else the first available format.
func ChooseFormat(available []Format, want Format) Format {
	for _, f := range available {
		if f == want {
			return f
		}
	}
	return available[0]
}

// ChoosePresentMode returns want when offered, else FIFO, which every
// presentation engine supports.
func ChoosePresentMode(available []PresentMode, want PresentMode) PresentMode {
	for _, m := range available {
		if m == want {
			return m
		}
	}
	return PresentFIFO
}

// ChooseExtent uses the surface's current extent when it is defined and
// otherwise clamps the framebuffer size to the supported range.
func ChooseExtent(caps Capabilities, width, height int) Extent {
	if caps.Current.Width != undefinedExtent {
		return caps.Current
	}
	return Extent{
		Width:  clamp(uint32(max(width, 0)), caps.MinExtent.Width, caps.MaxExtent.Width),
		Height: clamp(uint32(max(height, 0)), caps.MinExtent.Height, caps.MaxExtent.Height),
	}
}

// ChooseImageCount asks for one image more than the minimum so the CPU never
// waits on the presentation engine for an image to render into.
func ChooseImageCount(caps Capabilities) uint32 {
	n := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && n > caps.MaxImageCount {
		n = caps.MaxImageCount
	}
	return n
}

func clamp(val, lo, hi uint32) uint32 {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
