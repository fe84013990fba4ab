package main

import (
	"fmt"
	"time"

	mgl32 "github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"kube/internal/frame"
	"kube/internal/handle"
)

// cubeOffsets places the demo cubes along the x axis.
var cubeOffsets = []mgl32.Vec3{{-2.5, 0, 0}, {0, 0, 0}, {2.5, 0, 0}}

// scene is the demo content: spinning cubes and an FPS readout.
type scene struct {
	cubes []handle.Handle
	hud   handle.Handle
	start time.Time

	fpsFrames int
	fpsLast   time.Time
	fps       float64
}

func newScene(orch *frame.Orchestrator, now time.Time) (*scene, error) {
	s := &scene{start: now, fpsLast: now}
	mesh := frame.CubeMesh()
	for i, off := range cubeOffsets {
		h, err := orch.AddModel(frame.ModelDesc{
			Mesh:      mesh,
			Transform: mgl32.Translate3D(off.X(), off.Y(), off.Z()),
			Visible:   true,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "add cube %d", i)
		}
		s.cubes = append(s.cubes, h)
	}
	hud, err := orch.AddGUI(frame.GUIDesc{Text: "FPS: 0.0", X: 8, Y: 8, Visible: true})
	if err != nil {
		return nil, errors.Wrap(err, "add hud")
	}
	s.hud = hud
	return s, nil
}

// tick stages the state for the open frame: cube rotations, the camera
// orbit and the FPS text.
func (s *scene) tick(orch *frame.Orchestrator, now time.Time) error {
	elapsed := float32(now.Sub(s.start).Seconds())
	angle := elapsed * mgl32.DegToRad(45)
	for i, h := range s.cubes {
		off := cubeOffsets[i]
		spin := mgl32.HomogRotate3D(angle*float32(i+1), mgl32.Vec3{0, 0, 1})
		desc := frame.ModelDesc{
			Transform: mgl32.Translate3D(off.X(), off.Y(), off.Z()).Mul4(spin).Mul4(mgl32.Scale3D(0.6, 0.6, 0.6)),
			Visible:   true,
		}
		if err := orch.UpdateModel(h, desc); err != nil {
			return err
		}
	}

	cam := frame.DefaultCamera(orch.Surface().Info().Extent)
	orbit := elapsed * mgl32.DegToRad(10)
	eye := mgl32.Rotate3DZ(orbit).Mul3x1(mgl32.Vec3{5, 5, 4})
	cam.View = mgl32.LookAtV(eye, mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, 1})
	if err := orch.SetCamera(cam.View, cam.Proj); err != nil {
		return err
	}

	s.fpsFrames++
	if d := now.Sub(s.fpsLast); d >= time.Second {
		s.fps = float64(s.fpsFrames) / d.Seconds()
		s.fpsFrames = 0
		s.fpsLast = now
	}
	return orch.UpdateGUI(s.hud, frame.GUIDesc{
		Text:    fmt.Sprintf("FPS: %.1f", s.fps),
		X:       8,
		Y:       8,
		Visible: true,
	})
}
