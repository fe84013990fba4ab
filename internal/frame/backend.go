package frame

import (
	"kube/internal/gpu"
)

// Backend creates the per-slot objects and meshes for one surface and
// submits recorded work.
type Backend interface {
	NewFence(signaled bool) (gpu.Fence, error)
	NewSemaphore() (gpu.Semaphore, error)
	NewCommands() (Commands, error)
	NewMesh(data *MeshData) (Mesh, error)
	// Submit queues cmds. The GPU waits on wait before writing the image,
	// then signals signal and fence once the work completes.
	Submit(cmds Commands, wait, signal gpu.Semaphore, fence gpu.Fence) error
	WaitIdle() error
}

// Commands is one reusable recorded command sequence.
type Commands interface {
	// Reset discards the previous recording. The sequence must not be in
	// flight.
	Reset() error
	// Begin starts recording into the given image of the current chain.
	Begin(image uint32, cam Camera) error
	DrawModel(m *Model) error
	DrawGUI(g *GUI) error
	End() error
	Destroy()
}
