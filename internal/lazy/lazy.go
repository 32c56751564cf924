// Package lazy provides a handle that is built on first use, exactly once,
// no matter how many callers ask for it at the same time.
package lazy

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ErrReset is returned to callers whose in-flight build was discarded by Reset.
var ErrReset = errors.New("lazy: value reset while building")

// Value builds a T on the first Get. Concurrent first callers share the same
// build. The outcome, handle or error, is kept until Reset.
type Value[T any] struct {
	init    func(ctx context.Context) (T, error)
	release func(T)

	group  singleflight.Group
	mu     sync.RWMutex
	gen    uint64
	done   bool
	cur    *entry[T]
	err    error
	builds atomic.Int64
}

// entry is a built handle and the number of Acquire callers still using it.
type entry[T any] struct {
	val     T
	users   int
	retired bool
}

// New returns a Value built by init. release, when not nil, is called on
// handles dropped by Reset.
func New[T any](init func(ctx context.Context) (T, error), release func(T)) *Value[T] {
	return &Value[T]{init: init, release: release}
}

// Get returns the handle, building it if needed. ctx only bounds the wait:
// a caller that gives up does not cancel the build for the others.
func (v *Value[T]) Get(ctx context.Context) (T, error) {
	var zero T

	v.mu.RLock()
	done, cur, err, gen := v.done, v.cur, v.err, v.gen
	v.mu.RUnlock()
	if done {
		if err != nil {
			return zero, err
		}
		return cur.val, nil
	}

	buildCtx := context.WithoutCancel(ctx)
	ch := v.group.DoChan(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		return v.build(buildCtx, gen)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		val, _ := r.Val.(T)
		return val, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (v *Value[T]) build(ctx context.Context, gen uint64) (interface{}, error) {
	v.mu.RLock()
	if v.done && v.gen == gen {
		cur, err := v.cur, v.err
		v.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		return cur.val, nil
	}
	v.mu.RUnlock()

	v.builds.Add(1)
	val, err := v.init(ctx)

	v.mu.Lock()
	if v.gen != gen {
		v.mu.Unlock()
		if err == nil && v.release != nil {
			v.release(val)
		}
		return nil, ErrReset
	}
	v.done, v.err = true, err
	if err == nil {
		v.cur = &entry[T]{val: val}
	}
	v.mu.Unlock()

	return val, err
}

// Peek returns the handle when it is built and healthy, without blocking.
func (v *Value[T]) Peek() (T, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.done && v.err == nil {
		return v.cur.val, true
	}
	var zero T
	return zero, false
}

// Err returns the sticky build error, if the last build failed.
func (v *Value[T]) Err() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.done {
		return v.err
	}
	return nil
}

// Acquire is Get for callers that keep using the handle for a while. A
// handle dropped by Reset is only released once every Acquire caller has
// called done.
func (v *Value[T]) Acquire(ctx context.Context) (T, func(), error) {
	for {
		if _, err := v.Get(ctx); err != nil {
			var zero T
			return zero, nil, err
		}

		v.mu.Lock()
		e := v.cur
		if e != nil {
			e.users++
		}
		v.mu.Unlock()

		// nil means a Reset got in between; build again
		if e != nil {
			return e.val, v.doneFunc(e), nil
		}
	}
}

func (v *Value[T]) doneFunc(e *entry[T]) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			e.users--
			drop := e.retired && e.users == 0
			v.mu.Unlock()

			if drop && v.release != nil {
				v.release(e.val)
			}
		})
	}
}

// Reset forgets the current outcome so the next Get builds again.
// A healthy handle is passed to release, after its last Acquire caller is
// done with it.
func (v *Value[T]) Reset() {
	v.mu.Lock()
	old := v.cur
	v.gen++
	v.done, v.cur, v.err = false, nil, nil
	drop := false
	if old != nil {
		old.retired = true
		drop = old.users == 0
	}
	v.mu.Unlock()

	if drop && v.release != nil {
		v.release(old.val)
	}
}

// Builds reports how many times init has run.
func (v *Value[T]) Builds() int64 {
	return v.builds.Load()
}
