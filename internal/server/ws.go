package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/handwave/internal/app"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // loopback only
	},
}

const writeWait = 5 * time.Second

// EventsHandler pushes every display change to websocket clients as one
// JSON snapshot per message.
type EventsHandler struct {
	display *app.Display
	log     *logrus.Entry
}

func NewEventsHandler(display *app.Display, log *logrus.Entry) *EventsHandler {
	return &EventsHandler{display: display, log: log}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade")
		return
	}
	defer conn.Close()

	updates, cancel := h.display.Subscribe()
	defer cancel()

	// the client never sends anything useful; reading detects a close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case <-closed:
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				h.log.WithError(err).Debug("websocket write")
				return
			}
		}
	}
}
