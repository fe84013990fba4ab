package vkr

import (
	"unsafe"

	mgl32 "github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"

	"kube/internal/frame"
	"kube/internal/overlay"
)

// maxModels bounds the models one recording can draw.
const maxModels = 256

// uniforms is the model shader's uniform block.
type uniforms struct {
	Model mgl32.Mat4
	View  mgl32.Mat4
	Proj  mgl32.Mat4
}

var clearValues = []vk.ClearValue{
	vk.NewClearValue([]float32{0.05, 0.05, 0.08, 1.0}),
	vk.NewClearDepthStencil(1.0, 0),
}

// Commands is one command buffer with the per-recording uniform and overlay
// vertex storage it draws from. One Commands belongs to one frame slot, so
// its storage is only rewritten once the slot's fence has signaled.
type Commands struct {
	target *Target
	cb     vk.CommandBuffer
	set    vk.DescriptorSet

	ubo     *hostBuffer
	stride  vk.DeviceSize
	overlay *hostBuffer

	cam       frame.Camera
	state     *chainState
	recording bool
	models    int
	guiVerts  int
	bound     vk.Pipeline
}

var _ frame.Commands = (*Commands)(nil)

func newCommands(t *Target) (*Commands, error) {
	d := t.dev
	c := &Commands{target: t, stride: alignUp(vk.DeviceSize(unsafe.Sizeof(uniforms{})), d.limits.MinUniformBufferOffsetAlignment)}

	allocInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        d.commandPool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	cbs := make([]vk.CommandBuffer, 1)
	if err := check(vk.AllocateCommandBuffers(d.device, &allocInfo, cbs), "allocate command buffer"); err != nil {
		return nil, err
	}
	c.cb = cbs[0]

	var err error
	if c.ubo, err = d.newHostBuffer(c.stride*maxModels, vk.BufferUsageUniformBufferBit); err != nil {
		c.Destroy()
		return nil, errors.Wrap(err, "uniform buffer")
	}
	overlaySize := vk.DeviceSize(overlay.MaxVertices) * vk.DeviceSize(unsafe.Sizeof(overlay.Vertex{}))
	if c.overlay, err = d.newHostBuffer(overlaySize, vk.BufferUsageVertexBufferBit); err != nil {
		c.Destroy()
		return nil, errors.Wrap(err, "overlay vertex buffer")
	}

	setInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     t.descs,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{d.setLayout},
	}
	var set vk.DescriptorSet
	if err := check(vk.AllocateDescriptorSets(d.device, &setInfo, &set), "allocate descriptor set"); err != nil {
		c.Destroy()
		return nil, err
	}
	c.set = set
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          c.set,
		DstBinding:      0,
		DescriptorCount: 1,
		DescriptorType:  vk.DescriptorTypeUniformBufferDynamic,
		PBufferInfo: []vk.DescriptorBufferInfo{{
			Buffer: c.ubo.buffer,
			Range:  vk.DeviceSize(unsafe.Sizeof(uniforms{})),
		}},
	}
	vk.UpdateDescriptorSets(d.device, 1, []vk.WriteDescriptorSet{write}, 0, nil)
	return c, nil
}

func alignUp(size, align vk.DeviceSize) vk.DeviceSize {
	if align == 0 {
		return size
	}
	return (size + align - 1) / align * align
}

func (c *Commands) Reset() error {
	c.recording = false
	return check(vk.ResetCommandBuffer(c.cb, 0), "reset command buffer")
}

// Begin opens the render pass on the framebuffer of image.
func (c *Commands) Begin(image uint32, cam frame.Camera) error {
	s := c.target.state
	if s == nil {
		return errors.New("no framebuffers: surface not set up")
	}
	if int(image) >= len(s.framebuffers) {
		return errors.Errorf("image %d out of range [0, %d)", image, len(s.framebuffers))
	}
	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if err := check(vk.BeginCommandBuffer(c.cb, &beginInfo), "begin command buffer"); err != nil {
		return err
	}
	renderPassInfo := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  s.renderPass,
		Framebuffer: s.framebuffers[image],
		RenderArea: vk.Rect2D{
			Offset: vk.Offset2D{X: 0, Y: 0},
			Extent: s.extent,
		},
		ClearValueCount: uint32(len(clearValues)),
		PClearValues:    clearValues,
	}
	vk.CmdBeginRenderPass(c.cb, &renderPassInfo, vk.SubpassContentsInline)

	c.cam = cam
	c.state = s
	c.recording = true
	c.models = 0
	c.guiVerts = 0
	c.bound = vk.Pipeline(vk.NullHandle)
	return nil
}

func (c *Commands) bind(p vk.Pipeline) {
	if c.bound == p {
		return
	}
	vk.CmdBindPipeline(c.cb, vk.PipelineBindPointGraphics, p)
	c.bound = p
}

// DrawModel writes the model's uniforms into the next dynamic slot and draws
// its mesh.
func (c *Commands) DrawModel(m *frame.Model) error {
	if !c.recording {
		return errors.New("draw outside recording")
	}
	mesh, ok := m.Mesh.(*Mesh)
	if !ok || mesh.vertices == nil {
		return errors.Errorf("model mesh %T is not a live vulkan mesh", m.Mesh)
	}
	if c.models >= maxModels {
		return errors.Errorf("more than %d models in one frame", maxModels)
	}
	u := uniforms{Model: m.Transform, View: c.cam.View, Proj: c.cam.Proj}
	offset := vk.DeviceSize(c.models) * c.stride
	c.ubo.write(offset, unsafe.Pointer(&u), int(unsafe.Sizeof(u)))
	c.models++

	c.bind(c.state.model)
	dev := c.target.dev
	vk.CmdBindDescriptorSets(c.cb, vk.PipelineBindPointGraphics, dev.modelLayout,
		0, 1, []vk.DescriptorSet{c.set}, 1, []uint32{uint32(offset)})
	vk.CmdBindVertexBuffers(c.cb, 0, 1, []vk.Buffer{mesh.vertices.buffer}, []vk.DeviceSize{0})
	vk.CmdBindIndexBuffer(c.cb, mesh.indices.buffer, 0, vk.IndexTypeUint32)
	vk.CmdDrawIndexed(c.cb, uint32(mesh.count), 1, 0, 0, 0)
	return nil
}

// DrawGUI appends the overlay's vertices to the recording's overlay buffer.
// Vertices past overlay.MaxVertices for the frame are dropped.
func (c *Commands) DrawGUI(g *frame.GUI) error {
	if !c.recording {
		return errors.New("draw outside recording")
	}
	n := min(len(g.Vertices), overlay.MaxVertices-c.guiVerts)
	if n <= 0 {
		return nil
	}
	vsize := vk.DeviceSize(unsafe.Sizeof(overlay.Vertex{}))
	offset := vk.DeviceSize(c.guiVerts) * vsize
	c.overlay.write(offset, unsafe.Pointer(&g.Vertices[0]), n*int(vsize))

	c.bind(c.state.overlay)
	vk.CmdBindVertexBuffers(c.cb, 0, 1, []vk.Buffer{c.overlay.buffer}, []vk.DeviceSize{offset})
	vk.CmdDraw(c.cb, uint32(n), 1, 0, 0)
	c.guiVerts += n
	return nil
}

func (c *Commands) End() error {
	if !c.recording {
		return errors.New("end outside recording")
	}
	c.recording = false
	vk.CmdEndRenderPass(c.cb)
	return check(vk.EndCommandBuffer(c.cb), "end command buffer")
}

func (c *Commands) Destroy() {
	d := c.target.dev
	if c.set != vk.DescriptorSet(vk.NullHandle) {
		vk.FreeDescriptorSets(d.device, c.target.descs, 1, []vk.DescriptorSet{c.set})
		c.set = vk.DescriptorSet(vk.NullHandle)
	}
	d.destroyHostBuffer(c.overlay)
	d.destroyHostBuffer(c.ubo)
	c.overlay, c.ubo = nil, nil
	if c.cb != nil {
		vk.FreeCommandBuffers(d.device, d.commandPool, 1, []vk.CommandBuffer{c.cb})
		c.cb = nil
	}
}
