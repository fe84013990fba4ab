package vkr

import (
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"

	"kube/internal/gpu"
	"kube/internal/surface"
)

func querySurface(dev vk.PhysicalDevice, surf vk.Surface) (surface.Capabilities, error) {
	var caps vk.SurfaceCapabilities
	if err := check(vk.GetPhysicalDeviceSurfaceCapabilities(dev, surf, &caps), "surface capabilities"); err != nil {
		return surface.Capabilities{}, err
	}
	caps.Deref()
	caps.CurrentExtent.Deref()
	caps.MinImageExtent.Deref()
	caps.MaxImageExtent.Deref()

	out := surface.Capabilities{
		MinImageCount: caps.MinImageCount,
		MaxImageCount: caps.MaxImageCount,
		Current:       extentFrom(caps.CurrentExtent),
		MinExtent:     extentFrom(caps.MinImageExtent),
		MaxExtent:     extentFrom(caps.MaxImageExtent),
	}

	var formatCount uint32
	vk.GetPhysicalDeviceSurfaceFormats(dev, surf, &formatCount, nil)
	if formatCount > 0 {
		formats := make([]vk.SurfaceFormat, formatCount)
		vk.GetPhysicalDeviceSurfaceFormats(dev, surf, &formatCount, formats)
		for i := range formats {
			formats[i].Deref()
			out.Formats = append(out.Formats, surface.Format{
				Pixel:      uint32(formats[i].Format),
				ColorSpace: uint32(formats[i].ColorSpace),
			})
		}
	}

	var modeCount uint32
	vk.GetPhysicalDeviceSurfacePresentModes(dev, surf, &modeCount, nil)
	if modeCount > 0 {
		modes := make([]vk.PresentMode, modeCount)
		vk.GetPhysicalDeviceSurfacePresentModes(dev, surf, &modeCount, modes)
		for _, m := range modes {
			out.PresentModes = append(out.PresentModes, surface.PresentMode(m))
		}
	}
	return out, nil
}

func extentFrom(e vk.Extent2D) surface.Extent {
	return surface.Extent{Width: e.Width, Height: e.Height}
}

func extentTo(e surface.Extent) vk.Extent2D {
	return vk.Extent2D{Width: e.Width, Height: e.Height}
}

// Chain is a VkSwapchain with one view per image.
type Chain struct {
	dev       *Device
	swapchain vk.Swapchain
	format    vk.Format
	extent    vk.Extent2D
	images    []vk.Image
	views     []vk.ImageView
}

var _ surface.Chain = (*Chain)(nil)

func (t *Target) createChain(cfg surface.ChainConfig) (*Chain, error) {
	d := t.dev
	var caps vk.SurfaceCapabilities
	if err := check(vk.GetPhysicalDeviceSurfaceCapabilities(d.physical, t.surface, &caps), "surface capabilities"); err != nil {
		return nil, err
	}
	caps.Deref()

	createInfo := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          t.surface,
		MinImageCount:    cfg.ImageCount,
		ImageFormat:      vk.Format(cfg.Format.Pixel),
		ImageColorSpace:  vk.ColorSpace(cfg.Format.ColorSpace),
		ImageExtent:      extentTo(cfg.Extent),
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit),
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      vk.PresentMode(cfg.PresentMode),
		Clipped:          vk.True,
		OldSwapchain:     vk.Swapchain(vk.NullHandle),
	}
	if d.queues.graphics != d.queues.present {
		indices := []uint32{d.queues.graphics, d.queues.present}
		createInfo.ImageSharingMode = vk.SharingModeConcurrent
		createInfo.QueueFamilyIndexCount = uint32(len(indices))
		createInfo.PQueueFamilyIndices = indices
	} else {
		createInfo.ImageSharingMode = vk.SharingModeExclusive
	}

	c := &Chain{dev: d, format: vk.Format(cfg.Format.Pixel), extent: extentTo(cfg.Extent)}
	var swapchain vk.Swapchain
	if err := check(vk.CreateSwapchain(d.device, &createInfo, nil, &swapchain), "create swapchain"); err != nil {
		return nil, err
	}
	c.swapchain = swapchain

	var count uint32
	vk.GetSwapchainImages(d.device, c.swapchain, &count, nil)
	c.images = make([]vk.Image, count)
	vk.GetSwapchainImages(d.device, c.swapchain, &count, c.images)

	for i, img := range c.images {
		view, err := d.createImageView(img, c.format, vk.ImageAspectColorBit)
		if err != nil {
			c.Destroy()
			return nil, errors.Wrapf(err, "image view %d", i)
		}
		c.views = append(c.views, view)
	}
	return c, nil
}

func (c *Chain) ImageCount() int { return len(c.images) }

func (c *Chain) Acquire(signal gpu.Semaphore) (uint32, gpu.Status, error) {
	sems, err := semaphores(signal)
	if err != nil {
		return 0, gpu.Success, err
	}
	sem := vk.Semaphore(vk.NullHandle)
	if len(sems) > 0 {
		sem = sems[0]
	}
	var image uint32
	res := vk.AcquireNextImage(c.dev.device, c.swapchain, vk.MaxUint64, sem, vk.Fence(vk.NullHandle), &image)
	switch res {
	case vk.Success:
		return image, gpu.Success, nil
	case vk.Suboptimal:
		return image, gpu.Suboptimal, nil
	case vk.ErrorOutOfDate:
		return 0, gpu.OutOfDate, nil
	}
	return 0, gpu.Success, check(res, "acquire next image")
}

func (c *Chain) Present(image uint32, wait gpu.Semaphore) (gpu.Status, error) {
	sems, err := semaphores(wait)
	if err != nil {
		return gpu.Success, err
	}
	presentInfo := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: uint32(len(sems)),
		PWaitSemaphores:    sems,
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{c.swapchain},
		PImageIndices:      []uint32{image},
	}
	switch res := vk.QueuePresent(c.dev.presentQueue, &presentInfo); res {
	case vk.Success:
		return gpu.Success, nil
	case vk.Suboptimal:
		return gpu.Suboptimal, nil
	case vk.ErrorOutOfDate:
		return gpu.OutOfDate, nil
	default:
		return gpu.Success, check(res, "queue present")
	}
}

func (c *Chain) Destroy() {
	for _, view := range c.views {
		vk.DestroyImageView(c.dev.device, view, nil)
	}
	c.views = nil
	c.images = nil
	if c.swapchain != vk.Swapchain(vk.NullHandle) {
		vk.DestroySwapchain(c.dev.device, c.swapchain, nil)
		c.swapchain = vk.Swapchain(vk.NullHandle)
	}
}
