package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "", want: PolicyDropWhileBusy},
		{in: "drop", want: PolicyDropWhileBusy},
		{in: "overlap", want: PolicyOverlap},
		{in: "queue", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) Policy {
	t.Helper()
	p, err := ParsePolicy(s)
	require.NoError(t, err)
	return p
}

func TestNewSource_Defaults(t *testing.T) {
	s := NewSource(NewMockCamera(nil, false), Options{FPS: 500, IdleFPS: 90})
	opts := s.Options()
	assert.Equal(t, DefaultWidth, opts.Width)
	assert.Equal(t, DefaultHeight, opts.Height)
	assert.Equal(t, MaxFPS, opts.FPS)
	assert.Equal(t, MaxFPS, opts.IdleFPS)

	assert.True(t, DefaultOptions().Mirror)
	assert.Equal(t, 10, DefaultOptions().FPS)
}

func TestSource_PermissionDenied(t *testing.T) {
	cam := NewMockCamera(nil, true)
	cam.FailOpen(errors.New("NotAllowedError: permission denied"))

	var calls atomic.Int32
	err := NewSource(cam, DefaultOptions()).Run(context.Background(), func(context.Context, *Frame) {
		calls.Add(1)
	})

	var pe *PermissionError
	require.ErrorAs(t, err, &pe)
	assert.Zero(t, calls.Load(), "no frame may be dispatched after a denied open")
	assert.Equal(t, 1, cam.Opens(), "open is not retried")
}

func newTestCamera(t *testing.T, rows, cols int) *MockCamera {
	t.Helper()
	m := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { m.Close() })
	return NewMockCamera([]*gocv.Mat{&m}, true)
}

func TestSource_ResizesToFixedSize(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	cam := newTestCamera(t, 240, 320)
	opts := DefaultOptions()
	opts.FPS = 60

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type dims struct{ rows, cols, w, h int }
	got := make(chan dims, 1)
	err := NewSource(cam, opts).Run(ctx, func(_ context.Context, f *Frame) {
		select {
		case got <- dims{f.Mat.Rows(), f.Mat.Cols(), f.Width, f.Height}:
		default:
		}
		cancel()
	})
	require.NoError(t, err)

	d := <-got
	assert.Equal(t, dims{480, 640, 640, 480}, d)
	assert.False(t, cam.IsOpen(), "camera is closed when Run returns")
}

func TestSource_Mirrors(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	// left column bright, rest dark
	src := gocv.NewMatWithSize(2, 4, gocv.MatTypeCV8UC3)
	defer src.Close()
	for row := 0; row < 2; row++ {
		for ch := 0; ch < 3; ch++ {
			src.SetUCharAt(row, ch, 255)
		}
	}

	for _, mirror := range []bool{true, false} {
		cam := NewMockCamera([]*gocv.Mat{&src}, true)
		opts := Options{Width: 4, Height: 2, FPS: 60, Mirror: mirror}

		ctx, cancel := context.WithCancel(context.Background())
		var left, right uint8
		err := NewSource(cam, opts).Run(ctx, func(_ context.Context, f *Frame) {
			if f.Seq == 1 {
				left = f.Mat.GetUCharAt(0, 0)
				right = f.Mat.GetUCharAt(0, 3*3)
				assert.Equal(t, mirror, f.Mirrored)
			}
			cancel()
		})
		cancel()
		require.NoError(t, err)

		if mirror {
			assert.Equal(t, uint8(0), left)
			assert.Equal(t, uint8(255), right)
		} else {
			assert.Equal(t, uint8(255), left)
			assert.Equal(t, uint8(0), right)
		}
	}
}

func TestSource_DropWhileBusy(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	cam := newTestCamera(t, 48, 64)
	opts := Options{Width: 64, Height: 48, FPS: 60, Policy: PolicyDropWhileBusy}
	src := NewSource(cam, opts)

	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx, func(context.Context, *Frame) { <-release })
	}()

	require.Eventually(t, func() bool { return src.Stats().Dropped >= 3 }, 2*time.Second, 5*time.Millisecond)
	st := src.Stats()
	assert.Equal(t, uint64(1), st.Dispatched, "only the first tick is dispatched while it is busy")
	assert.Equal(t, 1, cam.Reads(), "dropped ticks do not read frames")

	cancel()
	close(release)
	require.NoError(t, <-done)
}

func TestSource_OverlapDispatchesConcurrently(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	cam := newTestCamera(t, 48, 64)
	opts := Options{Width: 64, Height: 48, FPS: 60, Policy: PolicyOverlap}
	src := NewSource(cam, opts)

	release := make(chan struct{})
	var running atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx, func(context.Context, *Frame) {
			running.Add(1)
			<-release
		})
	}()

	require.Eventually(t, func() bool { return running.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, src.Stats().Dropped)

	cancel()
	close(release)
	require.NoError(t, <-done)
}

func TestSource_SequenceIsMonotonic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	cam := newTestCamera(t, 48, 64)
	src := NewSource(cam, Options{Width: 64, Height: 48, FPS: 60})

	var mu sync.Mutex
	var seqs []uint64
	ctx, cancel := context.WithCancel(context.Background())
	err := src.Run(ctx, func(_ context.Context, f *Frame) {
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, f.Seq)
		if len(seqs) == 5 {
			cancel()
		}
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seqs), 5)
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
}

func TestSource_RunWaitsForCallbacks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	cam := newTestCamera(t, 48, 64)
	src := NewSource(cam, Options{Width: 64, Height: 48, FPS: 60})

	var finished atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	err := src.Run(ctx, func(context.Context, *Frame) {
		cancel()
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	})
	require.NoError(t, err)
	assert.True(t, finished.Load(), "Run returned before the in-flight callback")
}
