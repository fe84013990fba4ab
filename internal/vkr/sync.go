package vkr

import (
	"context"
	"time"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"

	"kube/internal/gpu"
)

// fencePoll bounds each driver wait so a cancelled context is noticed.
const fencePoll = 10 * time.Millisecond

// Fence wraps a VkFence.
type Fence struct {
	dev   *Device
	fence vk.Fence
}

var _ gpu.Fence = (*Fence)(nil)

func (d *Device) newFence(signaled bool) (*Fence, error) {
	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	if signaled {
		info.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var fence vk.Fence
	if err := check(vk.CreateFence(d.device, &info, nil, &fence), "create fence"); err != nil {
		return nil, err
	}
	return &Fence{dev: d, fence: fence}, nil
}

// Wait polls the fence until it signals or ctx is done.
func (f *Fence) Wait(ctx context.Context) error {
	fences := []vk.Fence{f.fence}
	for {
		res := vk.WaitForFences(f.dev.device, 1, fences, vk.True, uint64(fencePoll.Nanoseconds()))
		switch res {
		case vk.Success:
			return nil
		case vk.Timeout:
			if err := ctx.Err(); err != nil {
				return errors.WithStack(err)
			}
		default:
			return check(res, "wait for fence")
		}
	}
}

func (f *Fence) Reset() error {
	return check(vk.ResetFences(f.dev.device, 1, []vk.Fence{f.fence}), "reset fence")
}

func (f *Fence) Signaled() (bool, error) {
	switch res := vk.GetFenceStatus(f.dev.device, f.fence); res {
	case vk.Success:
		return true, nil
	case vk.NotReady:
		return false, nil
	default:
		return false, check(res, "fence status")
	}
}

func (f *Fence) Destroy() {
	if f.fence != vk.Fence(vk.NullHandle) {
		vk.DestroyFence(f.dev.device, f.fence, nil)
		f.fence = vk.Fence(vk.NullHandle)
	}
}

// Semaphore wraps a binary VkSemaphore.
type Semaphore struct {
	dev *Device
	sem vk.Semaphore
}

var _ gpu.Semaphore = (*Semaphore)(nil)

func (d *Device) newSemaphore() (*Semaphore, error) {
	info := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
	var sem vk.Semaphore
	if err := check(vk.CreateSemaphore(d.device, &info, nil, &sem), "create semaphore"); err != nil {
		return nil, err
	}
	return &Semaphore{dev: d, sem: sem}, nil
}

func (s *Semaphore) Destroy() {
	if s.sem != vk.Semaphore(vk.NullHandle) {
		vk.DestroySemaphore(s.dev.device, s.sem, nil)
		s.sem = vk.Semaphore(vk.NullHandle)
	}
}

// semaphores unwraps the non-nil semaphores.
func semaphores(sems ...gpu.Semaphore) ([]vk.Semaphore, error) {
	var out []vk.Semaphore
	for _, s := range sems {
		if s == nil {
			continue
		}
		vs, ok := s.(*Semaphore)
		if !ok {
			return nil, errors.Errorf("foreign semaphore %T", s)
		}
		out = append(out, vs.sem)
	}
	return out, nil
}
