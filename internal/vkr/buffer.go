package vkr

import (
	"unsafe"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"

	"kube/internal/frame"
)

// hostBuffer is a host-visible, host-coherent buffer that stays mapped for
// its whole life.
type hostBuffer struct {
	buffer vk.Buffer
	memory vk.DeviceMemory
	size   vk.DeviceSize
	data   unsafe.Pointer
}

func (d *Device) newHostBuffer(size vk.DeviceSize, usage vk.BufferUsageFlagBits) (*hostBuffer, error) {
	buf, mem, err := d.createBuffer(size, vk.BufferUsageFlags(usage), vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit)
	if err != nil {
		return nil, err
	}
	b := &hostBuffer{buffer: buf, memory: mem, size: size}
	if err := check(vk.MapMemory(d.device, mem, 0, size, 0, &b.data), "map buffer"); err != nil {
		d.freeBuffer(buf, mem)
		return nil, err
	}
	return b, nil
}

// write copies size bytes from src to offset.
func (b *hostBuffer) write(offset vk.DeviceSize, src unsafe.Pointer, size int) {
	if size == 0 {
		return
	}
	if offset+vk.DeviceSize(size) > b.size {
		panic("vkr: buffer write out of range")
	}
	dst := (*[1 << 30]byte)(unsafe.Add(b.data, offset))[:size:size]
	copy(dst, (*[1 << 30]byte)(src)[:size:size])
}

func (d *Device) destroyHostBuffer(b *hostBuffer) {
	if b == nil {
		return
	}
	vk.UnmapMemory(d.device, b.memory)
	d.freeBuffer(b.buffer, b.memory)
}

func (d *Device) createBuffer(size vk.DeviceSize, usage vk.BufferUsageFlags, properties vk.MemoryPropertyFlagBits) (vk.Buffer, vk.DeviceMemory, error) {
	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        size,
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
	}
	var buffer vk.Buffer
	if err := check(vk.CreateBuffer(d.device, &bufferInfo, nil, &buffer), "create buffer"); err != nil {
		return vk.Buffer(vk.NullHandle), vk.DeviceMemory(vk.NullHandle), err
	}
	var memReq vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.device, buffer, &memReq)
	memReq.Deref()
	typeIndex, err := d.findMemoryType(memReq.MemoryTypeBits, properties)
	if err != nil {
		vk.DestroyBuffer(d.device, buffer, nil)
		return vk.Buffer(vk.NullHandle), vk.DeviceMemory(vk.NullHandle), err
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReq.Size,
		MemoryTypeIndex: typeIndex,
	}
	var memory vk.DeviceMemory
	if err := check(vk.AllocateMemory(d.device, &allocInfo, nil, &memory), "allocate buffer memory"); err != nil {
		vk.DestroyBuffer(d.device, buffer, nil)
		return vk.Buffer(vk.NullHandle), vk.DeviceMemory(vk.NullHandle), err
	}
	if err := check(vk.BindBufferMemory(d.device, buffer, memory, 0), "bind buffer memory"); err != nil {
		d.freeBuffer(buffer, memory)
		return vk.Buffer(vk.NullHandle), vk.DeviceMemory(vk.NullHandle), err
	}
	return buffer, memory, nil
}

func (d *Device) freeBuffer(buffer vk.Buffer, memory vk.DeviceMemory) {
	if buffer != vk.Buffer(vk.NullHandle) {
		vk.DestroyBuffer(d.device, buffer, nil)
	}
	if memory != vk.DeviceMemory(vk.NullHandle) {
		vk.FreeMemory(d.device, memory, nil)
	}
}

func (d *Device) findMemoryType(typeFilter uint32, properties vk.MemoryPropertyFlagBits) (uint32, error) {
	want := vk.MemoryPropertyFlags(properties)
	for i := uint32(0); i < d.memProps.MemoryTypeCount; i++ {
		memoryType := d.memProps.MemoryTypes[i]
		memoryType.Deref()
		if typeFilter&(1<<i) != 0 && memoryType.PropertyFlags&want == want {
			return i, nil
		}
	}
	return 0, errors.Errorf("no memory type for filter %#x with properties %#x", typeFilter, properties)
}

func (d *Device) createImage(width, height uint32, format vk.Format, usage vk.ImageUsageFlags) (vk.Image, vk.DeviceMemory, error) {
	createInfo := vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		ImageType:     vk.ImageType2d,
		Extent:        vk.Extent3D{Width: width, Height: height, Depth: 1},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        format,
		Tiling:        vk.ImageTilingOptimal,
		InitialLayout: vk.ImageLayoutUndefined,
		Usage:         usage,
		Samples:       vk.SampleCount1Bit,
		SharingMode:   vk.SharingModeExclusive,
	}
	var image vk.Image
	if err := check(vk.CreateImage(d.device, &createInfo, nil, &image), "create image"); err != nil {
		return vk.Image(vk.NullHandle), vk.DeviceMemory(vk.NullHandle), err
	}

	var memReq vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.device, image, &memReq)
	memReq.Deref()
	typeIndex, err := d.findMemoryType(memReq.MemoryTypeBits, vk.MemoryPropertyDeviceLocalBit)
	if err != nil {
		vk.DestroyImage(d.device, image, nil)
		return vk.Image(vk.NullHandle), vk.DeviceMemory(vk.NullHandle), err
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReq.Size,
		MemoryTypeIndex: typeIndex,
	}
	var memory vk.DeviceMemory
	if err := check(vk.AllocateMemory(d.device, &allocInfo, nil, &memory), "allocate image memory"); err != nil {
		vk.DestroyImage(d.device, image, nil)
		return vk.Image(vk.NullHandle), vk.DeviceMemory(vk.NullHandle), err
	}
	if err := check(vk.BindImageMemory(d.device, image, memory, 0), "bind image memory"); err != nil {
		vk.DestroyImage(d.device, image, nil)
		vk.FreeMemory(d.device, memory, nil)
		return vk.Image(vk.NullHandle), vk.DeviceMemory(vk.NullHandle), err
	}
	return image, memory, nil
}

func (d *Device) createImageView(image vk.Image, format vk.Format, aspect vk.ImageAspectFlagBits) (vk.ImageView, error) {
	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: vk.ImageViewType2d,
		Format:   format,
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleIdentity,
			G: vk.ComponentSwizzleIdentity,
			B: vk.ComponentSwizzleIdentity,
			A: vk.ComponentSwizzleIdentity,
		},
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(aspect),
			LevelCount: 1,
			LayerCount: 1,
		},
	}
	var view vk.ImageView
	if err := check(vk.CreateImageView(d.device, &viewInfo, nil, &view), "create image view"); err != nil {
		return vk.ImageView(vk.NullHandle), err
	}
	return view, nil
}

// Mesh is geometry uploaded to host-visible vertex and index buffers.
type Mesh struct {
	dev      *Device
	vertices *hostBuffer
	indices  *hostBuffer
	count    int
}

var _ frame.Mesh = (*Mesh)(nil)

func (d *Device) newMesh(data *frame.MeshData) (*Mesh, error) {
	if data == nil || len(data.Vertices) == 0 || len(data.Indices) == 0 {
		return nil, errors.New("mesh has no geometry")
	}
	vsize := len(data.Vertices) * int(unsafe.Sizeof(frame.Vertex{}))
	vb, err := d.newHostBuffer(vk.DeviceSize(vsize), vk.BufferUsageVertexBufferBit)
	if err != nil {
		return nil, errors.Wrap(err, "vertex buffer")
	}
	vb.write(0, unsafe.Pointer(&data.Vertices[0]), vsize)

	isize := len(data.Indices) * 4
	ib, err := d.newHostBuffer(vk.DeviceSize(isize), vk.BufferUsageIndexBufferBit)
	if err != nil {
		d.destroyHostBuffer(vb)
		return nil, errors.Wrap(err, "index buffer")
	}
	ib.write(0, unsafe.Pointer(&data.Indices[0]), isize)

	return &Mesh{dev: d, vertices: vb, indices: ib, count: len(data.Indices)}, nil
}

func (m *Mesh) IndexCount() int { return m.count }

// Release frees the buffers. The caller guarantees no submitted work still
// reads them.
func (m *Mesh) Release() {
	if m.vertices == nil {
		return
	}
	m.dev.destroyHostBuffer(m.vertices)
	m.dev.destroyHostBuffer(m.indices)
	m.vertices, m.indices = nil, nil
}
