package vkr

import (
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"

	"kube/internal/frame"
	"kube/internal/gpu"
	"kube/internal/logging"
	"kube/internal/render"
	"kube/internal/surface"
)

// Target is one window bound to the device. It implements render.Target and
// rebuilds its framebuffers and pipelines as a surface.Dependent.
type Target struct {
	dev     *Device
	win     *Window
	surface vk.Surface
	descs   vk.DescriptorPool
	state   *chainState
}

var (
	_ render.Target     = (*Target)(nil)
	_ surface.Dependent = (*Target)(nil)
)

func newTarget(d *Device, win *Window, surf vk.Surface) (*Target, error) {
	size := vk.DescriptorPoolSize{
		Type:            vk.DescriptorTypeUniformBufferDynamic,
		DescriptorCount: frame.MaxFramesInFlight,
	}
	poolInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateFreeDescriptorSetBit),
		MaxSets:       frame.MaxFramesInFlight,
		PoolSizeCount: 1,
		PPoolSizes:    []vk.DescriptorPoolSize{size},
	}
	var pool vk.DescriptorPool
	if err := check(vk.CreateDescriptorPool(d.device, &poolInfo, nil, &pool), "create descriptor pool"); err != nil {
		return nil, err
	}
	return &Target{dev: d, win: win, surface: surf, descs: pool}, nil
}

func (t *Target) Query() (surface.Capabilities, error) {
	return querySurface(t.dev.physical, t.surface)
}

func (t *Target) CreateChain(cfg surface.ChainConfig) (surface.Chain, error) {
	c, err := t.createChain(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (t *Target) WaitIdle() error { return t.dev.WaitIdle() }

// SurfaceCreated builds the depth buffer, render pass, pipelines and one
// framebuffer per chain image.
func (t *Target) SurfaceCreated(chain surface.Chain, info surface.Info) error {
	c, ok := chain.(*Chain)
	if !ok {
		return errors.Errorf("foreign chain %T", chain)
	}
	s, err := t.dev.buildChainState(c)
	if err != nil {
		return err
	}
	t.state = s
	logging.Logger().Debug("framebuffers built", "images", len(s.framebuffers),
		"width", info.Extent.Width, "height", info.Extent.Height)
	return nil
}

func (t *Target) SurfaceDestroyed() {
	if t.state == nil {
		return
	}
	t.dev.destroyChainState(t.state)
	t.state = nil
}

func (t *Target) NewFence(signaled bool) (gpu.Fence, error) {
	f, err := t.dev.newFence(signaled)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (t *Target) NewSemaphore() (gpu.Semaphore, error) {
	s, err := t.dev.newSemaphore()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (t *Target) NewMesh(data *frame.MeshData) (frame.Mesh, error) {
	m, err := t.dev.newMesh(data)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (t *Target) NewCommands() (frame.Commands, error) {
	c, err := newCommands(t)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Submit queues cmds on the graphics queue.
func (t *Target) Submit(cmds frame.Commands, wait, signal gpu.Semaphore, fence gpu.Fence) error {
	waits, err := semaphores(wait)
	if err != nil {
		return err
	}
	signals, err := semaphores(signal)
	if err != nil {
		return err
	}
	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   uint32(len(waits)),
		PWaitSemaphores:      waits,
		SignalSemaphoreCount: uint32(len(signals)),
		PSignalSemaphores:    signals,
	}
	if len(waits) > 0 {
		submitInfo.PWaitDstStageMask = []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)}
	}
	if cmds != nil {
		c, ok := cmds.(*Commands)
		if !ok {
			return errors.Errorf("foreign commands %T", cmds)
		}
		submitInfo.CommandBufferCount = 1
		submitInfo.PCommandBuffers = []vk.CommandBuffer{c.cb}
	}
	vf := vk.Fence(vk.NullHandle)
	if fence != nil {
		f, ok := fence.(*Fence)
		if !ok {
			return errors.Errorf("foreign fence %T", fence)
		}
		vf = f.fence
	}
	return check(vk.QueueSubmit(t.dev.graphicsQueue, 1, []vk.SubmitInfo{submitInfo}, vf), "queue submit")
}

// Destroy releases the window surface. The surface and everything created
// from the target must already be destroyed.
func (t *Target) Destroy() {
	d := t.dev
	if _, ok := d.targets[t]; !ok {
		return
	}
	delete(d.targets, t)
	t.SurfaceDestroyed()
	if t.descs != vk.DescriptorPool(vk.NullHandle) {
		vk.DestroyDescriptorPool(d.device, t.descs, nil)
		t.descs = vk.DescriptorPool(vk.NullHandle)
	}
	vk.DestroySurface(d.instance, t.surface, nil)
	t.surface = vk.Surface(vk.NullHandle)
}
