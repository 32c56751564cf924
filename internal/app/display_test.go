package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/handwave/internal/classifier"
	"github.com/ayusman/handwave/internal/landmark"
)

func TestDisplay_DiscardsStaleFrames(t *testing.T) {
	d := NewDisplay("s", 640, 480)

	assert.True(t, d.Publish(Update{Seq: 2, Hands: landmark.Set{landmark.OpenPalm()}, Prediction: &classifier.Result{Label: "B", Confidence: 0.7}}))
	assert.False(t, d.Publish(Update{Seq: 1, Hands: landmark.Set{landmark.ThumbsUp()}, Prediction: &classifier.Result{Label: "A", Confidence: 0.9}}),
		"a frame older than the shown one is dropped")
	assert.False(t, d.Publish(Update{Seq: 2}), "the same frame is not shown twice")

	snap := d.Snapshot()
	assert.Equal(t, uint64(2), snap.Seq)
	assert.Equal(t, "B", snap.Label)
	assert.Equal(t, landmark.Set{landmark.OpenPalm()}, snap.Hands)
	assert.Equal(t, uint64(2), d.Stale())
}

func TestDisplay_EmptySetClearsPrediction(t *testing.T) {
	d := NewDisplay("s", 640, 480)

	d.Publish(Update{Seq: 1, Hands: landmark.Set{landmark.OpenPalm()}, Prediction: &classifier.Result{Label: "B", Confidence: 0.7}})
	require.True(t, d.Snapshot().HasPrediction())

	d.Publish(Update{Seq: 2, Hands: landmark.Set{}})
	snap := d.Snapshot()
	assert.False(t, snap.HasPrediction())
	assert.Zero(t, snap.Confidence)
	assert.True(t, snap.Hands.Empty())
}

func TestDisplay_HandsWithoutPredictionKeepLetter(t *testing.T) {
	d := NewDisplay("s", 640, 480)

	d.Publish(Update{Seq: 1, Hands: landmark.Set{landmark.OpenPalm()}, Prediction: &classifier.Result{Label: "B", Confidence: 0.7}})
	d.Publish(Update{Seq: 2, Hands: landmark.Set{landmark.OpenPalm()}})

	assert.Equal(t, "B", d.Snapshot().Label)
}

func TestDisplay_OverlayAndVideo(t *testing.T) {
	d := NewDisplay("s", 640, 480)

	d.Publish(Update{Seq: 3, Overlay: []byte("three")})
	d.Publish(Update{Seq: 1, Overlay: []byte("one")})
	assert.Equal(t, []byte("three"), d.Overlay())

	assert.True(t, d.PublishVideo(5, []byte("v5")))
	assert.False(t, d.PublishVideo(4, []byte("v4")))
	v, seq := d.Video()
	assert.Equal(t, []byte("v5"), v)
	assert.Equal(t, uint64(5), seq)
}

func TestDisplay_Subscribe(t *testing.T) {
	d := NewDisplay("s", 640, 480)

	ch, cancel := d.Subscribe()
	first := <-ch
	assert.Equal(t, StatusLoading, first.Status)

	// a slow reader sees the latest snapshot
	for seq := uint64(1); seq <= 5; seq++ {
		d.Publish(Update{Seq: seq})
	}
	select {
	case s := <-ch:
		assert.Equal(t, uint64(5), s.Seq)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}

	d.SetStatus(StatusDegraded, "load asset model.json: bad http code 404")
	s := <-ch
	assert.Equal(t, StatusDegraded, s.Status)
	assert.NotEmpty(t, s.Error)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// publishing after cancel must not panic
	d.Publish(Update{Seq: 6})
}

func TestDisplay_SetEnabled(t *testing.T) {
	d := NewDisplay("s", 640, 480)
	assert.True(t, d.Snapshot().Enabled)

	ch, cancel := d.Subscribe()
	defer cancel()
	<-ch

	d.SetEnabled(false)
	s := <-ch
	assert.False(t, s.Enabled)

	// no change, no broadcast
	d.SetEnabled(false)
	select {
	case s := <-ch:
		t.Fatalf("unexpected snapshot %+v", s)
	default:
	}
}
