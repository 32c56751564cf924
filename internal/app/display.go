package app

import (
	"sync"
	"time"

	"github.com/ayusman/handwave/internal/classifier"
	"github.com/ayusman/handwave/internal/landmark"
)

// Snapshot is what the user currently sees.
type Snapshot struct {
	Session    string       `json:"session"`
	Seq        uint64       `json:"seq"`
	Status     string       `json:"status"`
	Error      string       `json:"error,omitempty"`
	Hands      landmark.Set `json:"hands"`
	Label      string       `json:"label,omitempty"`
	Confidence float32      `json:"confidence,omitempty"`
	Width      int          `json:"width"`
	Height     int          `json:"height"`
	Enabled    bool         `json:"enabled"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// HasPrediction reports whether a letter is shown.
func (s Snapshot) HasPrediction() bool {
	return s.Label != ""
}

// Update is the outcome of one processed frame.
type Update struct {
	Seq        uint64
	Hands      landmark.Set
	Overlay    []byte
	Prediction *classifier.Result
}

// Display keeps the latest frame outcome, the latest video frame and the
// status line, and fans changes out to subscribers. Results for a frame
// older than the one shown are dropped.
type Display struct {
	mu       sync.RWMutex
	snap     Snapshot
	video    []byte
	videoSeq uint64
	overlay  []byte
	stale    uint64

	subs   map[int]chan Snapshot
	nextID int
}

func NewDisplay(session string, width, height int) *Display {
	return &Display{
		snap: Snapshot{
			Session:   session,
			Status:    StatusLoading,
			Width:     width,
			Height:    height,
			Enabled:   true,
			UpdatedAt: time.Now(),
		},
		subs: make(map[int]chan Snapshot),
	}
}

// Publish shows u unless a newer frame is already shown. An empty hand set
// clears the prediction; a frame with hands but no prediction keeps the
// previous one.
func (d *Display) Publish(u Update) bool {
	d.mu.Lock()
	if u.Seq <= d.snap.Seq {
		d.stale++
		d.mu.Unlock()
		return false
	}

	d.snap.Seq = u.Seq
	d.snap.Hands = u.Hands
	d.snap.UpdatedAt = time.Now()
	if u.Overlay != nil {
		d.overlay = u.Overlay
	}
	switch {
	case u.Hands.Empty():
		d.snap.Label, d.snap.Confidence = "", 0
	case u.Prediction != nil:
		d.snap.Label, d.snap.Confidence = u.Prediction.Label, u.Prediction.Confidence
	}
	d.broadcastLocked()
	d.mu.Unlock()
	return true
}

// PublishVideo stores the encoded mirrored frame seq unless a newer one is
// stored.
func (d *Display) PublishVideo(seq uint64, jpeg []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq <= d.videoSeq {
		return false
	}
	d.videoSeq, d.video = seq, jpeg
	return true
}

// SetStatus changes the status line. errMsg explains degraded and denied.
func (d *Display) SetStatus(status, errMsg string) {
	d.mu.Lock()
	d.snap.Status = status
	d.snap.Error = errMsg
	d.snap.UpdatedAt = time.Now()
	d.broadcastLocked()
	d.mu.Unlock()
}

// SetEnabled records whether frames are being processed.
func (d *Display) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snap.Enabled == enabled {
		return
	}
	d.snap.Enabled = enabled
	d.snap.UpdatedAt = time.Now()
	d.broadcastLocked()
}

// ClearPrediction removes the shown letter, used when the model is reset.
func (d *Display) ClearPrediction() {
	d.mu.Lock()
	d.snap.Label, d.snap.Confidence = "", 0
	d.broadcastLocked()
	d.mu.Unlock()
}

func (d *Display) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap
}

// Video returns the latest JPEG frame and its sequence number.
func (d *Display) Video() ([]byte, uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.video, d.videoSeq
}

// Overlay returns the latest overlay PNG.
func (d *Display) Overlay() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.overlay
}

// Stale counts results dropped for being older than the shown frame.
func (d *Display) Stale() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stale
}

// Subscribe returns a channel receiving every change. A slow reader only
// misses intermediate snapshots, never the latest one. cancel closes the
// channel.
func (d *Display) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	ch <- d.snap
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
			close(ch)
		})
	}
}

// broadcastLocked sends the current snapshot to every subscriber without
// blocking. d.mu must be held.
func (d *Display) broadcastLocked() {
	s := d.snap
	for _, ch := range d.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		// replace the unread snapshot with the newer one
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}
