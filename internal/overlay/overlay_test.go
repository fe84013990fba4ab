package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayoutEmptySurface(t *testing.T) {
	assert.Nil(t, Layout("FPS: 60", DefaultStyle(), 0, 600))
	assert.Nil(t, Layout("FPS: 60", DefaultStyle(), 800, 0))
}

func TestLayoutGlyphCells(t *testing.T) {
	// '1' has 7 lit cells, two triangles each.
	verts := Layout("1", DefaultStyle(), 800, 600)
	assert.Len(t, verts, 7*6)

	// Blank and unknown runes produce nothing.
	assert.Empty(t, Layout("  ?", DefaultStyle(), 800, 600))
}

func TestLayoutNDC(t *testing.T) {
	st := Style{X: 0, Y: 0, CellW: 400, CellH: 300, Space: 0}
	verts := Layout(".", st, 1200, 1500)
	// '.' lights row 4, column 1: x in [400, 800], y in [1200, 1500].
	assert.Len(t, verts, 6)
	for _, v := range verts {
		assert.GreaterOrEqual(t, v.Pos.X(), float32(-1))
		assert.LessOrEqual(t, v.Pos.X(), float32(1))
		assert.GreaterOrEqual(t, v.Pos.Y(), float32(0.6)-1e-6)
		assert.LessOrEqual(t, v.Pos.Y(), float32(1))
	}
	assert.InDelta(t, -1.0/3, float64(verts[0].Pos.X()), 1e-6)
	assert.InDelta(t, 1.0/3, float64(verts[1].Pos.X()), 1e-6)
}

func TestLayoutCapped(t *testing.T) {
	long := make([]rune, 2000)
	for i := range long {
		long[i] = '8'
	}
	verts := Layout(string(long), DefaultStyle(), 800, 600)
	assert.Len(t, verts, MaxVertices)
}
