package vkr

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	vk "github.com/vulkan-go/vulkan"

	"kube/internal/gpu"
	"kube/internal/surface"
)

func TestAlignUp(t *testing.T) {
	tests := []struct {
		size, align, want vk.DeviceSize
	}{
		{192, 256, 256},
		{192, 64, 192},
		{193, 64, 256},
		{192, 0, 192},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, alignUp(tt.size, tt.align), "alignUp(%d, %d)", tt.size, tt.align)
	}
}

func TestCheck(t *testing.T) {
	assert.NoError(t, check(vk.Success, "op"))

	err := check(vk.ErrorDeviceLost, "queue submit")
	assert.True(t, errors.Is(err, gpu.ErrDeviceLost))
	assert.True(t, gpu.IsFatal(err))
	assert.Contains(t, err.Error(), "queue submit")

	err = check(vk.ErrorIncompatibleDriver, "create instance")
	assert.True(t, errors.Is(err, gpu.ErrDeviceUnsupported))

	err = check(vk.ErrorOutOfHostMemory, "allocate")
	assert.Error(t, err)
	assert.False(t, gpu.IsFatal(err))
}

func TestExtentConversion(t *testing.T) {
	e := surface.Extent{Width: 640, Height: 480}
	assert.Equal(t, e, extentFrom(extentTo(e)))
}

func TestSemaphoresSkipNil(t *testing.T) {
	sems, err := semaphores(nil, nil)
	assert.NoError(t, err)
	assert.Empty(t, sems)
}
