package frame

import (
	"context"

	"github.com/pkg/errors"
)

type owner struct {
	frame uint64
	set   bool
}

// ownershipTable records, per chain image, the frame that last rendered into
// it. It is replaced whole when the chain is rebuilt.
type ownershipTable struct {
	owners []owner
}

func (t *ownershipTable) reset(images int) {
	t.owners = make([]owner, images)
}

// claim waits until the frame that last rendered image has retired, then
// hands the image to frame. An owner whose slot has been reused since is
// already known to have retired, since reuse waits on it.
func (t *ownershipTable) claim(ctx context.Context, s *Synchronizer, image uint32, frame uint64) error {
	if int(image) >= len(t.owners) {
		return errors.Errorf("image %d out of range for %d images", image, len(t.owners))
	}
	if prev := t.owners[image]; prev.set && prev.frame < frame && prev.frame+uint64(s.Len()) > frame {
		if err := s.Wait(ctx, s.Slot(prev.frame).Fence); err != nil {
			return errors.Wrapf(err, "wait for owner of image %d", image)
		}
	}
	t.owners[image] = owner{frame: frame, set: true}
	return nil
}
