package frame

import (
	mgl32 "github.com/go-gl/mathgl/mgl32"

	"kube/internal/overlay"
	"kube/internal/surface"
)

// Vertex is one mesh vertex: vec3 position at location 0, vec3 color at
// location 1.
type Vertex struct {
	Pos   mgl32.Vec3
	Color mgl32.Vec3
}

// MeshData is CPU-side geometry handed to the backend for upload.
type MeshData struct {
	Vertices []Vertex
	Indices  []uint32
}

// Mesh is uploaded geometry. Release frees the backend memory and must only
// be called once no submitted frame can still read it.
type Mesh interface {
	IndexCount() int
	Release()
}

// ModelDesc describes a drawable model.
type ModelDesc struct {
	Mesh      *MeshData
	Transform mgl32.Mat4
	Visible   bool
}

// Model is the backend record behind a model handle.
type Model struct {
	Mesh      Mesh
	Transform mgl32.Mat4
	Visible   bool

	data *MeshData
}

// GUIDesc describes an on-screen text overlay. X and Y are pixels from the
// top-left corner.
type GUIDesc struct {
	Text    string
	X, Y    float32
	Color   mgl32.Vec3
	Visible bool
}

// GUI is the record behind a GUI handle. Vertices is laid out lazily for the
// current surface extent.
type GUI struct {
	Desc     GUIDesc
	Vertices []overlay.Vertex

	laidOut surface.Extent
	dirty   bool
}

func (g *GUI) layout(extent surface.Extent) {
	if !g.dirty && g.laidOut == extent {
		return
	}
	st := overlay.DefaultStyle()
	st.X, st.Y = g.Desc.X, g.Desc.Y
	if g.Desc.Color != (mgl32.Vec3{}) {
		st.Color = g.Desc.Color
	}
	g.Vertices = overlay.Layout(g.Desc.Text, st, extent.Width, extent.Height)
	g.laidOut = extent
	g.dirty = false
}

// Camera holds the view and projection shared by every model in a frame.
type Camera struct {
	View mgl32.Mat4
	Proj mgl32.Mat4
}

// DefaultCamera looks at the origin from (3,3,3) with a 45 degree
// perspective sized for extent. Y is flipped for Vulkan clip space.
func DefaultCamera(extent surface.Extent) Camera {
	aspect := float32(1)
	if extent.Height > 0 {
		aspect = float32(extent.Width) / float32(extent.Height)
	}
	proj := mgl32.Perspective(mgl32.DegToRad(45), aspect, 0.1, 10.0)
	proj[5] *= -1
	return Camera{
		View: mgl32.LookAtV(mgl32.Vec3{3, 3, 3}, mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, 1}),
		Proj: proj,
	}
}

// CubeMesh is a unit cube with a color per corner.
func CubeMesh() *MeshData {
	return &MeshData{
		Vertices: []Vertex{
			{Pos: mgl32.Vec3{-1, -1, -1}, Color: mgl32.Vec3{1, 0, 0}},
			{Pos: mgl32.Vec3{1, -1, -1}, Color: mgl32.Vec3{0, 1, 0}},
			{Pos: mgl32.Vec3{1, 1, -1}, Color: mgl32.Vec3{0, 0, 1}},
			{Pos: mgl32.Vec3{-1, 1, -1}, Color: mgl32.Vec3{1, 1, 0}},
			{Pos: mgl32.Vec3{-1, -1, 1}, Color: mgl32.Vec3{1, 0, 1}},
			{Pos: mgl32.Vec3{1, -1, 1}, Color: mgl32.Vec3{0, 1, 1}},
			{Pos: mgl32.Vec3{1, 1, 1}, Color: mgl32.Vec3{1, 1, 1}},
			{Pos: mgl32.Vec3{-1, 1, 1}, Color: mgl32.Vec3{0.2, 0.6, 1}},
		},
		Indices: []uint32{
			0, 1, 2, 2, 3, 0, // back
			4, 5, 6, 6, 7, 4, // front
			4, 5, 1, 1, 0, 4, // bottom
			7, 6, 2, 2, 3, 7, // top
			4, 0, 3, 3, 7, 4, // left
			5, 1, 2, 2, 6, 5, // right
		},
	}
}
