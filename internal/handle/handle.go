// Package handle implements the slot registry that maps opaque handles onto
// backend records for models and GUIs.
//
// A Handle pairs a slot index with the generation of the slot's occupant.
// Freed slots are reused by the next Add, and the generation bump on Remove
// makes a handle kept past its removal fail with ErrInvalidHandle instead of
// aliasing the new occupant.
package handle

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidHandle is returned for the nil handle, an index that was never
// allocated, or a handle whose slot has been freed or reused.
var ErrInvalidHandle = errors.New("invalid handle")

// chunkSize is the number of slots per storage block. Blocks are never moved,
// so a *T returned by Get stays valid until the slot is removed.
const chunkSize = 64

// Handle identifies a live record in a Registry. The zero value is the nil
// handle and never refers to a record.
type Handle struct {
	index uint32
	gen   uint32
}

// Nil is the "no resource" sentinel.
var Nil Handle

// Index returns the slot index.
func (h Handle) Index() int { return int(h.index) }

// Generation returns the generation of the slot occupant the handle was
// issued for.
func (h Handle) Generation() uint32 { return h.gen }

// IsNil reports whether h is the sentinel.
func (h Handle) IsNil() bool { return h.gen == 0 }

// Uint64 packs the handle for logging and diagnostics.
func (h Handle) Uint64() uint64 { return uint64(h.gen)<<32 | uint64(h.index) }

func (h Handle) String() string {
	if h.IsNil() {
		return "handle(nil)"
	}
	return fmt.Sprintf("handle(%d#%d)", h.index, h.gen)
}

type slot[T any] struct {
	rec  T
	gen  uint32
	live bool
}

type chunk[T any] [chunkSize]slot[T]

// Registry is a chunked slot allocator. It is not safe for concurrent use;
// the frame loop is its only writer.
type Registry[T any] struct {
	chunks []*chunk[T]
	size   int // slots handed out so far, live or empty
	used   int
	// lowest index that may be empty; every slot below it is live
	free int
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

func (r *Registry[T]) slot(i int) *slot[T] {
	return &r.chunks[i/chunkSize][i%chunkSize]
}

// Add stores rec in the first empty slot, growing storage by one chunk when
// every slot is live, and returns its handle.
func (r *Registry[T]) Add(rec T) Handle {
	i := r.free
	for ; i < r.size; i++ {
		if !r.slot(i).live {
			break
		}
	}
	if i == r.size {
		if r.size == len(r.chunks)*chunkSize {
			r.chunks = append(r.chunks, new(chunk[T]))
		}
		r.size++
	}
	s := r.slot(i)
	s.rec = rec
	s.live = true
	if s.gen == 0 {
		s.gen = 1
	}
	r.used++
	r.free = i + 1
	return Handle{index: uint32(i), gen: s.gen}
}

func (r *Registry[T]) lookup(h Handle) (*slot[T], error) {
	if h.IsNil() || int(h.index) >= r.size {
		return nil, errors.Wrap(ErrInvalidHandle, h.String())
	}
	s := r.slot(int(h.index))
	if !s.live || s.gen != h.gen {
		return nil, errors.Wrap(ErrInvalidHandle, h.String())
	}
	return s, nil
}

// Remove frees the slot behind h and returns the record that occupied it so
// the caller can schedule its destruction. Storage is not shrunk.
func (r *Registry[T]) Remove(h Handle) (T, error) {
	var zero T
	s, err := r.lookup(h)
	if err != nil {
		return zero, err
	}
	rec := s.rec
	s.rec = zero
	s.live = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	r.used--
	if int(h.index) < r.free {
		r.free = int(h.index)
	}
	return rec, nil
}

// Get returns a pointer to the record behind h. The pointer is stable until
// the handle is removed.
func (r *Registry[T]) Get(h Handle) (*T, error) {
	s, err := r.lookup(h)
	if err != nil {
		return nil, err
	}
	return &s.rec, nil
}

// Set overwrites the record behind h in place.
func (r *Registry[T]) Set(h Handle, rec T) error {
	s, err := r.lookup(h)
	if err != nil {
		return err
	}
	s.rec = rec
	return nil
}

// Valid reports whether h refers to a live record.
func (r *Registry[T]) Valid(h Handle) bool {
	_, err := r.lookup(h)
	return err == nil
}

// Each calls fn for every live record in index order. fn must not add or
// remove records.
func (r *Registry[T]) Each(fn func(Handle, *T)) {
	for i := 0; i < r.size; i++ {
		s := r.slot(i)
		if s.live {
			fn(Handle{index: uint32(i), gen: s.gen}, &s.rec)
		}
	}
}

// UsedCount returns the number of live records.
func (r *Registry[T]) UsedCount() int { return r.used }

// Cap returns the number of slots currently backed by storage.
func (r *Registry[T]) Cap() int { return len(r.chunks) * chunkSize }
