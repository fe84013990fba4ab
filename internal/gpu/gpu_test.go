package gpu

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrDeviceLost))
	assert.True(t, IsFatal(errors.Wrap(ErrDeviceLost, "wait slot 1")))
	assert.True(t, IsFatal(errors.Wrap(ErrDeviceUnsupported, "setup")))
	assert.False(t, IsFatal(ErrWindowClosed))
	assert.False(t, IsFatal(nil))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "suboptimal", Suboptimal.String())
	assert.Equal(t, "out-of-date", OutOfDate.String())
	assert.Equal(t, "unknown", Status(42).String())
}
