package vkr

import (
	"unsafe"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"

	"kube/internal/frame"
	"kube/internal/overlay"
)

func (d *Device) createDescriptorSetLayout() error {
	binding := vk.DescriptorSetLayoutBinding{
		Binding:         0,
		DescriptorType:  vk.DescriptorTypeUniformBufferDynamic,
		DescriptorCount: 1,
		StageFlags:      vk.ShaderStageFlags(vk.ShaderStageVertexBit),
	}
	layoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: 1,
		PBindings:    []vk.DescriptorSetLayoutBinding{binding},
	}
	var layout vk.DescriptorSetLayout
	if err := check(vk.CreateDescriptorSetLayout(d.device, &layoutInfo, nil, &layout), "create descriptor set layout"); err != nil {
		return err
	}
	d.setLayout = layout
	return nil
}

func (d *Device) createPipelineLayouts() error {
	modelInfo := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: 1,
		PSetLayouts:    []vk.DescriptorSetLayout{d.setLayout},
	}
	var model vk.PipelineLayout
	if err := check(vk.CreatePipelineLayout(d.device, &modelInfo, nil, &model), "create pipeline layout"); err != nil {
		return err
	}
	d.modelLayout = model

	overlayInfo := vk.PipelineLayoutCreateInfo{SType: vk.StructureTypePipelineLayoutCreateInfo}
	var ov vk.PipelineLayout
	if err := check(vk.CreatePipelineLayout(d.device, &overlayInfo, nil, &ov), "create overlay pipeline layout"); err != nil {
		return err
	}
	d.overlayLayout = ov
	return nil
}

func (d *Device) createShaderModule(code []byte) (vk.ShaderModule, error) {
	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    (*[1 << 30]uint32)(unsafe.Pointer(&code[0]))[: len(code)/4 : len(code)/4],
	}
	var module vk.ShaderModule
	if err := check(vk.CreateShaderModule(d.device, &createInfo, nil, &module), "create shader module"); err != nil {
		return vk.ShaderModule(vk.NullHandle), err
	}
	return module, nil
}

func (d *Device) createRenderPass(color vk.Format) (vk.RenderPass, error) {
	colorAttachment := vk.AttachmentDescription{
		Format:         color,
		Samples:        vk.SampleCount1Bit,
		LoadOp:         vk.AttachmentLoadOpClear,
		StoreOp:        vk.AttachmentStoreOpStore,
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		InitialLayout:  vk.ImageLayoutUndefined,
		FinalLayout:    vk.ImageLayoutPresentSrc,
	}
	depthAttachment := vk.AttachmentDescription{
		Format:         d.depthFormat,
		Samples:        vk.SampleCount1Bit,
		LoadOp:         vk.AttachmentLoadOpClear,
		StoreOp:        vk.AttachmentStoreOpDontCare,
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		InitialLayout:  vk.ImageLayoutUndefined,
		FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
	}
	depthRef := vk.AttachmentReference{
		Attachment: 1,
		Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
	}
	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: 1,
		PColorAttachments: []vk.AttachmentReference{{
			Attachment: 0,
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		}},
		PDepthStencilAttachment: &depthRef,
	}
	stages := vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit | vk.PipelineStageEarlyFragmentTestsBit)
	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  stages,
		DstStageMask:  stages,
		DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentWriteBit | vk.AccessDepthStencilAttachmentWriteBit),
	}

	attachments := []vk.AttachmentDescription{colorAttachment, depthAttachment}
	createInfo := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}
	var pass vk.RenderPass
	if err := check(vk.CreateRenderPass(d.device, &createInfo, nil, &pass), "create render pass"); err != nil {
		return vk.RenderPass(vk.NullHandle), err
	}
	return pass, nil
}

// pipelineDesc is what differs between the model and overlay pipelines.
type pipelineDesc struct {
	vert, frag []byte
	layout     vk.PipelineLayout
	stride     uint32
	attributes []vk.VertexInputAttributeDescription
	cull       vk.CullModeFlagBits
	depth      bool
}

func (d *Device) modelPipeline() pipelineDesc {
	return pipelineDesc{
		vert:   d.shaders.modelVert,
		frag:   d.shaders.modelFrag,
		layout: d.modelLayout,
		stride: uint32(unsafe.Sizeof(frame.Vertex{})),
		attributes: []vk.VertexInputAttributeDescription{
			{Location: 0, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: uint32(unsafe.Offsetof(frame.Vertex{}.Pos))},
			{Location: 1, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: uint32(unsafe.Offsetof(frame.Vertex{}.Color))},
		},
		cull:  vk.CullModeBackBit,
		depth: true,
	}
}

func (d *Device) overlayPipeline() pipelineDesc {
	return pipelineDesc{
		vert:   d.shaders.overlayVert,
		frag:   d.shaders.overlayFrag,
		layout: d.overlayLayout,
		stride: uint32(unsafe.Sizeof(overlay.Vertex{})),
		attributes: []vk.VertexInputAttributeDescription{
			{Location: 0, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: uint32(unsafe.Offsetof(overlay.Vertex{}.Pos))},
			{Location: 1, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: uint32(unsafe.Offsetof(overlay.Vertex{}.Color))},
		},
		cull: vk.CullModeNone,
	}
}

func (d *Device) createPipeline(p pipelineDesc, pass vk.RenderPass, extent vk.Extent2D) (vk.Pipeline, error) {
	vertModule, err := d.createShaderModule(p.vert)
	if err != nil {
		return vk.Pipeline(vk.NullHandle), err
	}
	defer vk.DestroyShaderModule(d.device, vertModule, nil)
	fragModule, err := d.createShaderModule(p.frag)
	if err != nil {
		return vk.Pipeline(vk.NullHandle), err
	}
	defer vk.DestroyShaderModule(d.device, fragModule, nil)

	mainName := "main\x00"
	shaderStages := []vk.PipelineShaderStageCreateInfo{
		{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageVertexBit,
			Module: vertModule,
			PName:  mainName,
		},
		{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageFragmentBit,
			Module: fragModule,
			PName:  mainName,
		},
	}

	vertexInput := vk.PipelineVertexInputStateCreateInfo{
		SType:                         vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount: 1,
		PVertexBindingDescriptions: []vk.VertexInputBindingDescription{{
			Binding:   0,
			Stride:    p.stride,
			InputRate: vk.VertexInputRateVertex,
		}},
		VertexAttributeDescriptionCount: uint32(len(p.attributes)),
		PVertexAttributeDescriptions:    p.attributes,
	}
	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:                  vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               vk.PrimitiveTopologyTriangleList,
		PrimitiveRestartEnable: vk.False,
	}
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		PViewports: []vk.Viewport{{
			Width:    float32(extent.Width),
			Height:   float32(extent.Height),
			MaxDepth: 1,
		}},
		ScissorCount: 1,
		PScissors:    []vk.Rect2D{{Extent: extent}},
	}
	rasterizer := vk.PipelineRasterizationStateCreateInfo{
		SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode: vk.PolygonModeFill,
		LineWidth:   1.0,
		CullMode:    vk.CullModeFlags(p.cull),
		FrontFace:   vk.FrontFaceCounterClockwise,
	}
	multisampling := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vk.SampleCount1Bit,
	}
	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:          vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthCompareOp: vk.CompareOpAlways,
	}
	if p.depth {
		depthStencil.DepthTestEnable = vk.True
		depthStencil.DepthWriteEnable = vk.True
		depthStencil.DepthCompareOp = vk.CompareOpLess
	}
	colorBlending := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		AttachmentCount: 1,
		PAttachments: []vk.PipelineColorBlendAttachmentState{{
			ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit | vk.ColorComponentGBit | vk.ColorComponentBBit | vk.ColorComponentABit),
			BlendEnable:    vk.False,
		}},
	}

	pipelineInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(shaderStages)),
		PStages:             shaderStages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizer,
		PMultisampleState:   &multisampling,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlending,
		Layout:              p.layout,
		RenderPass:          pass,
		Subpass:             0,
	}
	pipelines := make([]vk.Pipeline, 1)
	if err := check(vk.CreateGraphicsPipelines(d.device, vk.PipelineCache(vk.NullHandle), 1, []vk.GraphicsPipelineCreateInfo{pipelineInfo}, nil, pipelines), "create graphics pipeline"); err != nil {
		return vk.Pipeline(vk.NullHandle), err
	}
	return pipelines[0], nil
}

// chainState is everything a target derives from the current chain. It is
// rebuilt whole on every surface rebuild.
type chainState struct {
	extent       vk.Extent2D
	depthImage   vk.Image
	depthMemory  vk.DeviceMemory
	depthView    vk.ImageView
	renderPass   vk.RenderPass
	model        vk.Pipeline
	overlay      vk.Pipeline
	framebuffers []vk.Framebuffer
}

func (d *Device) buildChainState(c *Chain) (*chainState, error) {
	s := &chainState{extent: c.extent}
	var err error
	s.depthImage, s.depthMemory, err = d.createImage(c.extent.Width, c.extent.Height, d.depthFormat,
		vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit))
	if err != nil {
		return nil, errors.Wrap(err, "depth image")
	}
	if s.depthView, err = d.createImageView(s.depthImage, d.depthFormat, vk.ImageAspectDepthBit); err != nil {
		d.destroyChainState(s)
		return nil, errors.Wrap(err, "depth view")
	}
	if s.renderPass, err = d.createRenderPass(c.format); err != nil {
		d.destroyChainState(s)
		return nil, err
	}
	if s.model, err = d.createPipeline(d.modelPipeline(), s.renderPass, c.extent); err != nil {
		d.destroyChainState(s)
		return nil, errors.Wrap(err, "model pipeline")
	}
	if s.overlay, err = d.createPipeline(d.overlayPipeline(), s.renderPass, c.extent); err != nil {
		d.destroyChainState(s)
		return nil, errors.Wrap(err, "overlay pipeline")
	}
	for i, view := range c.views {
		attachments := []vk.ImageView{view, s.depthView}
		createInfo := vk.FramebufferCreateInfo{
			SType:           vk.StructureTypeFramebufferCreateInfo,
			RenderPass:      s.renderPass,
			AttachmentCount: uint32(len(attachments)),
			PAttachments:    attachments,
			Width:           c.extent.Width,
			Height:          c.extent.Height,
			Layers:          1,
		}
		var fb vk.Framebuffer
		if err := check(vk.CreateFramebuffer(d.device, &createInfo, nil, &fb), "create framebuffer"); err != nil {
			d.destroyChainState(s)
			return nil, errors.Wrapf(err, "framebuffer %d", i)
		}
		s.framebuffers = append(s.framebuffers, fb)
	}
	return s, nil
}

func (d *Device) destroyChainState(s *chainState) {
	for _, fb := range s.framebuffers {
		vk.DestroyFramebuffer(d.device, fb, nil)
	}
	s.framebuffers = nil
	if s.overlay != vk.Pipeline(vk.NullHandle) {
		vk.DestroyPipeline(d.device, s.overlay, nil)
	}
	if s.model != vk.Pipeline(vk.NullHandle) {
		vk.DestroyPipeline(d.device, s.model, nil)
	}
	if s.renderPass != vk.RenderPass(vk.NullHandle) {
		vk.DestroyRenderPass(d.device, s.renderPass, nil)
	}
	if s.depthView != vk.ImageView(vk.NullHandle) {
		vk.DestroyImageView(d.device, s.depthView, nil)
	}
	if s.depthImage != vk.Image(vk.NullHandle) {
		vk.DestroyImage(d.device, s.depthImage, nil)
	}
	if s.depthMemory != vk.DeviceMemory(vk.NullHandle) {
		vk.FreeMemory(d.device, s.depthMemory, nil)
	}
}
