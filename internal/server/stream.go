package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ayusman/handwave/internal/app"
)

// StreamHandler serves the mirrored video frames as MJPEG. Each frame is
// written once, when a newer one has been stored.
type StreamHandler struct {
	display  *app.Display
	interval time.Duration
}

func NewStreamHandler(display *app.Display, interval time.Duration) *StreamHandler {
	return &StreamHandler{display: display, interval: interval}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last uint64
	for {
		if jpeg, seq := h.display.Video(); seq > last && jpeg != nil {
			last = seq
			if err := writePart(w, jpeg); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writePart(w http.ResponseWriter, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}
