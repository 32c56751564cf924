package lazy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handle struct{ id int }

func TestValue_ConcurrentFirstCallsBuildOnce(t *testing.T) {
	gate := make(chan struct{})
	v := New(func(ctx context.Context) (*handle, error) {
		<-gate
		return &handle{id: 1}, nil
	}, nil)

	const callers = 32
	results := make([]*handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := v.Get(context.Background())
			assert.NoError(t, err)
			results[i] = h
		}(i)
	}

	// let every caller reach the flight before the build finishes
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), v.Builds())
	for i, h := range results {
		assert.Samef(t, results[0], h, "caller %d got a different handle", i)
	}
}

func TestValue_LaterCallsReuseHandle(t *testing.T) {
	v := New(func(ctx context.Context) (*handle, error) {
		return &handle{}, nil
	}, nil)

	a, err := v.Get(context.Background())
	require.NoError(t, err)
	b, err := v.Get(context.Background())
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, int64(1), v.Builds())
}

func TestValue_WaiterTimeoutDoesNotCancelBuild(t *testing.T) {
	gate := make(chan struct{})
	v := New(func(ctx context.Context) (*handle, error) {
		<-gate
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &handle{id: 7}, nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := v.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	h, err := v.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, h.id)
	assert.Equal(t, int64(1), v.Builds())
}

func TestValue_ErrorIsStickyUntilReset(t *testing.T) {
	boom := errors.New("fetch failed")
	fail := true
	v := New(func(ctx context.Context) (*handle, error) {
		if fail {
			return nil, boom
		}
		return &handle{}, nil
	}, nil)

	_, err := v.Get(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = v.Get(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), v.Builds())
	assert.ErrorIs(t, v.Err(), boom)

	fail = false
	v.Reset()
	h, err := v.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, int64(2), v.Builds())
	assert.NoError(t, v.Err())
}

func TestValue_Peek(t *testing.T) {
	v := New(func(ctx context.Context) (*handle, error) {
		return &handle{id: 3}, nil
	}, nil)

	_, ok := v.Peek()
	assert.False(t, ok, "not built yet")

	_, err := v.Get(context.Background())
	require.NoError(t, err)

	h, ok := v.Peek()
	assert.True(t, ok)
	assert.Equal(t, 3, h.id)
}

func TestValue_ResetReleasesHandle(t *testing.T) {
	var released []*handle
	v := New(func(ctx context.Context) (*handle, error) {
		return &handle{}, nil
	}, func(h *handle) {
		released = append(released, h)
	})

	h, err := v.Get(context.Background())
	require.NoError(t, err)

	v.Reset()
	require.Len(t, released, 1)
	assert.Same(t, h, released[0])

	_, ok := v.Peek()
	assert.False(t, ok)
}

func TestValue_ResetDuringBuildDiscardsResult(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	var released int
	v := New(func(ctx context.Context) (*handle, error) {
		close(started)
		<-gate
		return &handle{}, nil
	}, func(*handle) { released++ })

	errc := make(chan error, 1)
	go func() {
		_, err := v.Get(context.Background())
		errc <- err
	}()

	<-started
	v.Reset()
	close(gate)

	assert.ErrorIs(t, <-errc, ErrReset)
	assert.Equal(t, 1, released)
	_, ok := v.Peek()
	assert.False(t, ok)
}

func TestValue_ResetWaitsForAcquiredUsers(t *testing.T) {
	var released []*handle
	v := New(func(ctx context.Context) (*handle, error) {
		return &handle{}, nil
	}, func(h *handle) {
		released = append(released, h)
	})

	h, done, err := v.Acquire(context.Background())
	require.NoError(t, err)
	_, done2, err := v.Acquire(context.Background())
	require.NoError(t, err)

	v.Reset()
	assert.Empty(t, released, "handle in use must not be released")

	done()
	done() // second call is a no-op
	assert.Empty(t, released)

	done2()
	require.Len(t, released, 1)
	assert.Same(t, h, released[0])

	// the next Acquire builds a fresh handle
	h2, done3, err := v.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
	done3()
	assert.Len(t, released, 1)
	assert.Equal(t, int64(2), v.Builds())
}

func TestValue_AcquireReturnsStickyError(t *testing.T) {
	v := New(func(ctx context.Context) (*handle, error) {
		return nil, errors.New("boom")
	}, nil)

	_, done, err := v.Acquire(context.Background())
	assert.EqualError(t, err, "boom")
	assert.Nil(t, done)
}
