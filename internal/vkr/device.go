// Package vkr is the Vulkan device behind the frame core. One Device owns the
// instance, the logical device and the resources every window shares; each
// registered window gets a Target with its own surface, chain-derived
// framebuffers and pipelines.
package vkr

import (
	"os"
	"path/filepath"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vulkan-go/glfw/v3.3/glfw"
	vk "github.com/vulkan-go/vulkan"

	"kube/internal/gpu"
	"kube/internal/logging"
	"kube/internal/render"
	"kube/internal/surface"
)

var (
	validationLayers = []string{"VK_LAYER_KHRONOS_validation"}
	deviceExtensions = []string{"VK_KHR_swapchain"}
)

// Options configure the device.
type Options struct {
	Validation bool
	// ShaderDir holds vert.spv, frag.spv, overlay_vert.spv and
	// overlay_frag.spv.
	ShaderDir string
	AppName   string
}

// DefaultOptions enables validation and reads shaders from ./shaders.
func DefaultOptions() Options {
	return Options{Validation: true, ShaderDir: "shaders", AppName: "Kube"}
}

type queueFamilies struct {
	graphics    uint32
	present     uint32
	hasGraphics bool
	hasPresent  bool
}

type shaderSet struct {
	modelVert, modelFrag     []byte
	overlayVert, overlayFrag []byte
}

// Device is a Vulkan instance plus the logical device shared by every
// target. The logical device is created with the first target, since the
// physical device must be able to present to that window's surface.
type Device struct {
	opts    Options
	shaders shaderSet

	instance vk.Instance
	debug    vk.DebugReportCallback

	physical      vk.PhysicalDevice
	device        vk.Device
	queues        queueFamilies
	graphicsQueue vk.Queue
	presentQueue  vk.Queue
	limits        vk.PhysicalDeviceLimits
	memProps      vk.PhysicalDeviceMemoryProperties
	depthFormat   vk.Format

	commandPool   vk.CommandPool
	setLayout     vk.DescriptorSetLayout
	modelLayout   vk.PipelineLayout
	overlayLayout vk.PipelineLayout

	targets map[*Target]struct{}
}

var _ render.Device = (*Device)(nil)

// NewDevice loads the Vulkan loader through GLFW and creates the instance
// with the extensions win needs to present.
func NewDevice(opts Options, win *Window) (*Device, error) {
	d := &Device{opts: opts, targets: make(map[*Target]struct{})}
	if err := d.loadShaders(); err != nil {
		return nil, err
	}
	if !glfw.VulkanSupported() {
		return nil, errors.Wrap(gpu.ErrDeviceUnsupported, "GLFW Vulkan loader not found")
	}
	vk.SetGetInstanceProcAddr(glfw.GetVulkanGetInstanceProcAddress())
	if err := vk.Init(); err != nil {
		return nil, errors.Wrap(err, "vulkan init")
	}
	if err := d.createInstance(win.GetRequiredInstanceExtensions()); err != nil {
		return nil, err
	}
	if err := vk.InitInstance(d.instance); err != nil {
		d.Destroy()
		return nil, errors.Wrap(err, "init instance")
	}
	if err := d.setupDebugCallback(); err != nil {
		d.Destroy()
		return nil, err
	}
	return d, nil
}

func (d *Device) loadShaders() error {
	files := []struct {
		name string
		dst  *[]byte
	}{
		{"vert.spv", &d.shaders.modelVert},
		{"frag.spv", &d.shaders.modelFrag},
		{"overlay_vert.spv", &d.shaders.overlayVert},
		{"overlay_frag.spv", &d.shaders.overlayFrag},
	}
	for _, f := range files {
		code, err := os.ReadFile(filepath.Join(d.opts.ShaderDir, f.name))
		if err != nil {
			return errors.Wrapf(err, "read shader %s", f.name)
		}
		if len(code) == 0 || len(code)%4 != 0 {
			return errors.Errorf("shader %s: length %d is not a multiple of 4", f.name, len(code))
		}
		*f.dst = code
	}
	return nil
}

func (d *Device) createInstance(extensions []string) error {
	if d.opts.Validation && !validationLayersSupported() {
		logging.Logger().Warn("validation layers not available, continuing without them")
		d.opts.Validation = false
	}

	appInfo := vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		PApplicationName:   d.opts.AppName,
		ApplicationVersion: vk.MakeVersion(0, 1, 0),
		PEngineName:        "kube",
		EngineVersion:      vk.MakeVersion(0, 1, 0),
		ApiVersion:         vk.MakeVersion(1, 1, 0),
	}
	if d.opts.Validation {
		extensions = append(extensions, "VK_EXT_debug_report")
	}
	createInfo := vk.InstanceCreateInfo{
		SType:                   vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        &appInfo,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: extensions,
	}
	if d.opts.Validation {
		createInfo.EnabledLayerCount = uint32(len(validationLayers))
		createInfo.PpEnabledLayerNames = validationLayers
	}
	return check(vk.CreateInstance(&createInfo, nil, &d.instance), "create instance")
}

func validationLayersSupported() bool {
	var count uint32
	if vk.EnumerateInstanceLayerProperties(&count, nil) != vk.Success {
		return false
	}
	props := make([]vk.LayerProperties, count)
	if vk.EnumerateInstanceLayerProperties(&count, props) != vk.Success {
		return false
	}
	supported := make(map[string]bool)
	for i := range props {
		props[i].Deref()
		supported[vk.ToString(props[i].LayerName[:])] = true
	}
	for _, l := range validationLayers {
		if !supported[l] {
			return false
		}
	}
	return true
}

func (d *Device) setupDebugCallback() error {
	if !d.opts.Validation {
		return nil
	}
	createInfo := vk.DebugReportCallbackCreateInfo{
		SType: vk.StructureTypeDebugReportCallbackCreateInfo,
		Flags: vk.DebugReportFlags(
			vk.DebugReportErrorBit |
				vk.DebugReportWarningBit |
				vk.DebugReportPerformanceWarningBit),
		PfnCallback: func(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint, messageCode int32, layerPrefix string, message string, userData unsafe.Pointer) vk.Bool32 {
			log := logging.Logger()
			if flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0 {
				log.Error(message, "layer", layerPrefix, "code", messageCode)
			} else {
				log.Warn(message, "layer", layerPrefix, "code", messageCode)
			}
			return vk.False
		},
	}
	return check(vk.CreateDebugReportCallback(d.instance, &createInfo, nil, &d.debug), "create debug callback")
}

// NewTarget binds win to the device. win must be a *Window.
func (d *Device) NewTarget(win surface.Window) (render.Target, error) {
	w, ok := win.(*Window)
	if !ok {
		return nil, errors.Errorf("vulkan device cannot present to %T", win)
	}
	surf, err := w.createSurface(d.instance)
	if err != nil {
		return nil, err
	}
	if d.device == vk.Device(vk.NullHandle) {
		if err := d.open(surf); err != nil {
			vk.DestroySurface(d.instance, surf, nil)
			return nil, err
		}
	} else if !d.canPresent(d.physical, d.queues.present, surf) {
		vk.DestroySurface(d.instance, surf, nil)
		return nil, errors.Wrap(gpu.ErrDeviceUnsupported, "device cannot present to window")
	}
	t, err := newTarget(d, w, surf)
	if err != nil {
		vk.DestroySurface(d.instance, surf, nil)
		return nil, err
	}
	d.targets[t] = struct{}{}
	return t, nil
}

// open picks the physical device and creates the logical device and the
// shared objects.
func (d *Device) open(surf vk.Surface) error {
	if err := d.pickPhysicalDevice(surf); err != nil {
		return err
	}
	if err := d.createLogicalDevice(); err != nil {
		return err
	}
	depth, err := d.findDepthFormat()
	if err != nil {
		return err
	}
	d.depthFormat = depth
	if err := d.createCommandPool(); err != nil {
		return err
	}
	if err := d.createDescriptorSetLayout(); err != nil {
		return err
	}
	return d.createPipelineLayouts()
}

func (d *Device) pickPhysicalDevice(surf vk.Surface) error {
	var count uint32
	if res := vk.EnumeratePhysicalDevices(d.instance, &count, nil); res != vk.Success || count == 0 {
		return errors.Wrap(gpu.ErrDeviceUnsupported, "no physical devices")
	}
	devices := make([]vk.PhysicalDevice, count)
	if err := check(vk.EnumeratePhysicalDevices(d.instance, &count, devices), "enumerate physical devices"); err != nil {
		return err
	}

	var selected vk.PhysicalDevice
	var selectedQueues queueFamilies
	bestScore := int32(-1)
	for _, dev := range devices {
		q := d.findQueueFamilies(dev, surf)
		if !q.hasGraphics || !q.hasPresent {
			continue
		}
		if !deviceExtensionsSupported(dev) {
			continue
		}
		caps, err := querySurface(dev, surf)
		if err != nil || len(caps.Formats) == 0 || len(caps.PresentModes) == 0 {
			continue
		}
		if score := deviceScore(dev); score > bestScore {
			bestScore = score
			selected = dev
			selectedQueues = q
		}
	}
	if bestScore < 0 {
		return errors.Wrap(gpu.ErrDeviceUnsupported, "no suitable GPU found")
	}

	d.physical = selected
	d.queues = selectedQueues

	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(selected, &props)
	props.Deref()
	props.Limits.Deref()
	d.limits = props.Limits
	vk.GetPhysicalDeviceMemoryProperties(selected, &d.memProps)
	d.memProps.Deref()

	logging.Logger().Info("physical device selected",
		"name", vk.ToString(props.DeviceName[:]), "score", bestScore)
	return nil
}

func deviceScore(dev vk.PhysicalDevice) int32 {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(dev, &props)
	props.Deref()

	switch props.DeviceType {
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return 1000
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return 500
	default:
		return 100
	}
}

func deviceExtensionsSupported(dev vk.PhysicalDevice) bool {
	var count uint32
	if vk.EnumerateDeviceExtensionProperties(dev, "", &count, nil) != vk.Success {
		return false
	}
	props := make([]vk.ExtensionProperties, count)
	if vk.EnumerateDeviceExtensionProperties(dev, "", &count, props) != vk.Success {
		return false
	}
	supported := make(map[string]bool)
	for i := range props {
		props[i].Deref()
		supported[vk.ToString(props[i].ExtensionName[:])] = true
	}
	for _, ext := range deviceExtensions {
		if !supported[ext] {
			return false
		}
	}
	return true
}

func (d *Device) findQueueFamilies(dev vk.PhysicalDevice, surf vk.Surface) queueFamilies {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(dev, &count, nil)
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(dev, &count, props)

	var q queueFamilies
	for i := range props {
		props[i].Deref()
		if props[i].QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			q.graphics = uint32(i)
			q.hasGraphics = true
		}
		if d.canPresent(dev, uint32(i), surf) {
			q.present = uint32(i)
			q.hasPresent = true
		}
		if q.hasGraphics && q.hasPresent {
			break
		}
	}
	return q
}

func (d *Device) canPresent(dev vk.PhysicalDevice, family uint32, surf vk.Surface) bool {
	var present vk.Bool32
	vk.GetPhysicalDeviceSurfaceSupport(dev, family, surf, &present)
	return present == vk.True
}

func (d *Device) createLogicalDevice() error {
	var queueInfos []vk.DeviceQueueCreateInfo
	unique := map[uint32]bool{
		d.queues.graphics: true,
		d.queues.present:  true,
	}
	for family := range unique {
		queueInfos = append(queueInfos, vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		})
	}

	createInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		PQueueCreateInfos:       queueInfos,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{{}},
		PpEnabledExtensionNames: deviceExtensions,
		EnabledExtensionCount:   uint32(len(deviceExtensions)),
	}
	if d.opts.Validation {
		createInfo.EnabledLayerCount = uint32(len(validationLayers))
		createInfo.PpEnabledLayerNames = validationLayers
	}

	var device vk.Device
	if err := check(vk.CreateDevice(d.physical, &createInfo, nil, &device), "create logical device"); err != nil {
		return err
	}
	d.device = device

	var graphics, present vk.Queue
	vk.GetDeviceQueue(d.device, d.queues.graphics, 0, &graphics)
	vk.GetDeviceQueue(d.device, d.queues.present, 0, &present)
	d.graphicsQueue = graphics
	d.presentQueue = present
	return nil
}

func (d *Device) findDepthFormat() (vk.Format, error) {
	candidates := []vk.Format{
		vk.FormatD32Sfloat,
		vk.FormatD32SfloatS8Uint,
		vk.FormatD24UnormS8Uint,
	}
	want := vk.FormatFeatureFlags(vk.FormatFeatureDepthStencilAttachmentBit)
	for _, format := range candidates {
		var props vk.FormatProperties
		vk.GetPhysicalDeviceFormatProperties(d.physical, format, &props)
		props.Deref()
		if props.OptimalTilingFeatures&want == want {
			return format, nil
		}
	}
	return 0, errors.Wrap(gpu.ErrDeviceUnsupported, "no depth format")
}

func (d *Device) createCommandPool() error {
	poolInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.queues.graphics,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	var pool vk.CommandPool
	if err := check(vk.CreateCommandPool(d.device, &poolInfo, nil, &pool), "create command pool"); err != nil {
		return err
	}
	d.commandPool = pool
	return nil
}

// WaitIdle blocks until the device has finished all submitted work.
func (d *Device) WaitIdle() error {
	if d.device == vk.Device(vk.NullHandle) {
		return nil
	}
	return check(vk.DeviceWaitIdle(d.device), "wait idle")
}

// Destroy releases the device. Targets still alive are destroyed first.
func (d *Device) Destroy() {
	if d.device != vk.Device(vk.NullHandle) {
		vk.DeviceWaitIdle(d.device)
		for t := range d.targets {
			t.Destroy()
		}
		if d.overlayLayout != vk.PipelineLayout(vk.NullHandle) {
			vk.DestroyPipelineLayout(d.device, d.overlayLayout, nil)
		}
		if d.modelLayout != vk.PipelineLayout(vk.NullHandle) {
			vk.DestroyPipelineLayout(d.device, d.modelLayout, nil)
		}
		if d.setLayout != vk.DescriptorSetLayout(vk.NullHandle) {
			vk.DestroyDescriptorSetLayout(d.device, d.setLayout, nil)
		}
		if d.commandPool != vk.CommandPool(vk.NullHandle) {
			vk.DestroyCommandPool(d.device, d.commandPool, nil)
		}
		vk.DestroyDevice(d.device, nil)
		d.device = vk.Device(vk.NullHandle)
	}
	if d.debug != vk.DebugReportCallback(vk.NullHandle) {
		vk.DestroyDebugReportCallback(d.instance, d.debug, nil)
		d.debug = vk.DebugReportCallback(vk.NullHandle)
	}
	if d.instance != vk.Instance(vk.NullHandle) {
		vk.DestroyInstance(d.instance, nil)
		d.instance = vk.Instance(vk.NullHandle)
	}
}

// check turns a Vulkan result into an error. A lost device is reported as
// gpu.ErrDeviceLost so the frame loop stops.
func check(res vk.Result, what string) error {
	switch res {
	case vk.Success:
		return nil
	case vk.ErrorDeviceLost:
		return errors.Wrap(gpu.ErrDeviceLost, what)
	case vk.ErrorIncompatibleDriver, vk.ErrorExtensionNotPresent, vk.ErrorFeatureNotPresent, vk.ErrorLayerNotPresent:
		return errors.Wrapf(gpu.ErrDeviceUnsupported, "%s: %v", what, vk.Error(res))
	}
	return errors.Wrap(vk.Error(res), what)
}
