// Package overlay lays out HUD text as colored triangles in normalized device
// coordinates, using a tiny 3x5 bitmap font.
package overlay

import (
	mgl32 "github.com/go-gl/mathgl/mgl32"
)

// Vertex is one overlay vertex. The layout matches the overlay pipeline's
// vertex input: vec2 position at location 0, vec3 color at location 1.
type Vertex struct {
	Pos   mgl32.Vec2
	Color mgl32.Vec3
}

// MaxVertices bounds the vertices one frame may draw across all overlays.
const MaxVertices = 6 * 1024

// Style positions and sizes the glyph cells, in pixels.
type Style struct {
	X, Y  float32 // top-left corner
	CellW float32
	CellH float32
	Space float32 // gap between glyphs
	Color mgl32.Vec3
}

// DefaultStyle is the HUD look: white 8x12 cells, 8px from the corner.
func DefaultStyle() Style {
	return Style{X: 8, Y: 8, CellW: 8, CellH: 12, Space: 4, Color: mgl32.Vec3{1, 1, 1}}
}

// Layout converts text into overlay quads for a surface of the given size.
// It returns nil for an empty surface and never more than MaxVertices.
func Layout(text string, st Style, width, height uint32) []Vertex {
	if width == 0 || height == 0 {
		return nil
	}
	var verts []Vertex
	x := st.X
	for _, ch := range text {
		pattern := glyphPattern(ch)
		for row := 0; row < len(pattern); row++ {
			for col := 0; col < len(pattern[row]); col++ {
				if pattern[row][col] != '1' {
					continue
				}
				px := x + float32(col)*st.CellW
				py := st.Y + float32(row)*st.CellH
				verts = append(verts, quad(px, py, st.CellW, st.CellH, st.Color, width, height)...)
			}
		}
		x += float32(len(pattern[0]))*st.CellW + st.Space
		if len(verts) >= MaxVertices {
			return verts[:MaxVertices]
		}
	}
	return verts
}

// quad makes two triangles for a pixel-space rectangle.
func quad(x, y, w, h float32, color mgl32.Vec3, width, height uint32) []Vertex {
	toNDC := func(px, py float32) mgl32.Vec2 {
		return mgl32.Vec2{(px/float32(width))*2 - 1, (py/float32(height))*2 - 1}
	}
	p0 := toNDC(x, y)
	p1 := toNDC(x+w, y)
	p2 := toNDC(x+w, y+h)
	p3 := toNDC(x, y+h)
	return []Vertex{
		{Pos: p0, Color: color},
		{Pos: p1, Color: color},
		{Pos: p2, Color: color},
		{Pos: p2, Color: color},
		{Pos: p3, Color: color},
		{Pos: p0, Color: color},
	}
}

var font = map[rune][]string{
	'0': {"111", "101", "101", "101", "111"},
	'1': {"010", "110", "010", "010", "111"},
	'2': {"111", "001", "111", "100", "111"},
	'3': {"111", "001", "111", "001", "111"},
	'4': {"101", "101", "111", "001", "001"},
	'5': {"111", "100", "111", "001", "111"},
	'6': {"111", "100", "111", "101", "111"},
	'7': {"111", "001", "001", "001", "001"},
	'8': {"111", "101", "111", "101", "111"},
	'9': {"111", "101", "111", "001", "111"},
	'F': {"111", "100", "110", "100", "100"},
	'M': {"101", "111", "111", "101", "101"},
	'O': {"111", "101", "101", "101", "111"},
	'P': {"111", "101", "111", "100", "100"},
	'S': {"111", "100", "111", "001", "111"},
	':': {"000", "010", "000", "010", "000"},
	'.': {"000", "000", "000", "000", "010"},
	'/': {"001", "001", "010", "100", "100"},
	' ': {"000", "000", "000", "000", "000"},
}

// glyphPattern returns the bitmap rows for ch; unknown runes render blank.
func glyphPattern(ch rune) []string {
	if p, ok := font[ch]; ok {
		return p
	}
	return font[' ']
}
