package handle

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	name    string
	visible bool
	tags    []string
}

func TestAddRemoveAddReusesSlot(t *testing.T) {
	r := NewRegistry[record]()
	first := r.Add(record{name: "crate", visible: true, tags: []string{"static"}})

	old, err := r.Remove(first)
	require.NoError(t, err)
	assert.Equal(t, "crate", old.name)

	second := r.Add(record{name: "barrel"})
	assert.Equal(t, first.Index(), second.Index())
	assert.NotEqual(t, first.Generation(), second.Generation())

	got, err := r.Get(second)
	require.NoError(t, err)
	assert.Equal(t, record{name: "barrel"}, *got, "no field of the old record may survive")
}

func TestStaleHandleRejected(t *testing.T) {
	r := NewRegistry[record]()
	h := r.Add(record{name: "a"})
	_, err := r.Remove(h)
	require.NoError(t, err)
	r.Add(record{name: "b"})

	_, err = r.Get(h)
	assert.True(t, errors.Is(err, ErrInvalidHandle))
	assert.True(t, errors.Is(r.Set(h, record{name: "c"}), ErrInvalidHandle))
	_, err = r.Remove(h)
	assert.True(t, errors.Is(err, ErrInvalidHandle))
	assert.Equal(t, 1, r.UsedCount())
}

func TestNilAndOutOfRange(t *testing.T) {
	r := NewRegistry[record]()
	assert.True(t, Nil.IsNil())
	_, err := r.Get(Nil)
	assert.True(t, errors.Is(err, ErrInvalidHandle))

	r.Add(record{})
	_, err = r.Get(Handle{index: 7, gen: 1})
	assert.True(t, errors.Is(err, ErrInvalidHandle))
	assert.False(t, r.Valid(Handle{index: 7, gen: 1}))
}

func TestUsedCount(t *testing.T) {
	cases := []struct{ adds, removes int }{
		{0, 0}, {1, 0}, {1, 1}, {10, 3}, {130, 130}, {200, 57},
	}
	for _, c := range cases {
		r := NewRegistry[int]()
		hs := make([]Handle, c.adds)
		for i := range hs {
			hs[i] = r.Add(i)
		}
		for i := 0; i < c.removes; i++ {
			_, err := r.Remove(hs[i])
			require.NoError(t, err)
		}
		assert.Equal(t, c.adds-c.removes, r.UsedCount(), "adds=%d removes=%d", c.adds, c.removes)
	}
}

func TestRemovedIndicesRefilled(t *testing.T) {
	r := NewRegistry[string]()
	var hs []Handle
	for _, n := range []string{"m0", "m1", "m2", "m3", "m4"} {
		hs = append(hs, r.Add(n))
	}
	_, err := r.Remove(hs[1])
	require.NoError(t, err)
	_, err = r.Remove(hs[3])
	require.NoError(t, err)

	a := r.Add("m5")
	b := r.Add("m6")
	assert.Equal(t, 5, r.UsedCount())
	assert.ElementsMatch(t, []int{1, 3}, []int{a.Index(), b.Index()})
}

func TestPointersStableAcrossGrowth(t *testing.T) {
	r := NewRegistry[int]()
	h := r.Add(42)
	p, err := r.Get(h)
	require.NoError(t, err)

	for i := 0; i < 5*chunkSize; i++ {
		r.Add(i)
	}
	q, err := r.Get(h)
	require.NoError(t, err)
	assert.Same(t, p, q)
	assert.Equal(t, 42, *p)
	assert.GreaterOrEqual(t, r.Cap(), 5*chunkSize+1)
}

func TestEachSkipsEmpty(t *testing.T) {
	r := NewRegistry[string]()
	a := r.Add("a")
	b := r.Add("b")
	c := r.Add("c")
	_, err := r.Remove(b)
	require.NoError(t, err)

	var seen []Handle
	r.Each(func(h Handle, s *string) {
		seen = append(seen, h)
	})
	assert.Equal(t, []Handle{a, c}, seen)
}

func TestHandleString(t *testing.T) {
	assert.Equal(t, "handle(nil)", Nil.String())
	r := NewRegistry[int]()
	h := r.Add(1)
	assert.Equal(t, "handle(0#1)", h.String())
	assert.Equal(t, uint64(1)<<32, h.Uint64())
}
