package app

import (
	"sync"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Status values shown to the user.
const (
	StatusLoading  = "loading"
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusDenied   = "denied"
	StatusStopped  = "stopped"
)

// Status events.
const (
	EventModelsLoaded     = "models_loaded"
	EventDetectorFailed   = "detector_failed"
	EventClassifierFailed = "classifier_failed"
	EventCameraDenied     = "camera_denied"
	EventReload           = "reload"
	EventStop             = "stop"
)

// statusMachine tracks the user visible pipeline status.
//
//	loading  --models_loaded------> ready
//	loading  --detector_failed----> degraded
//	loading  --classifier_failed--> degraded
//	any live --camera_denied------> denied
//	ready, degraded, denied --reload--> loading
//	any      --stop---------------> stopped
type statusMachine struct {
	mu       sync.Mutex
	fsm      *fsm.FSM
	onChange func(from, to string)
}

func newStatusMachine(log *logrus.Entry, onChange func(from, to string)) *statusMachine {
	s := &statusMachine{onChange: onChange}
	live := []string{StatusLoading, StatusReady, StatusDegraded}
	s.fsm = fsm.NewFSM(
		StatusLoading,
		fsm.Events{
			{Name: EventModelsLoaded, Src: []string{StatusLoading, StatusDegraded}, Dst: StatusReady},
			{Name: EventDetectorFailed, Src: []string{StatusLoading, StatusReady}, Dst: StatusDegraded},
			{Name: EventClassifierFailed, Src: []string{StatusLoading, StatusReady}, Dst: StatusDegraded},
			{Name: EventCameraDenied, Src: live, Dst: StatusDenied},
			{Name: EventReload, Src: []string{StatusReady, StatusDegraded, StatusDenied}, Dst: StatusLoading},
			{Name: EventStop, Src: append(live, StatusDenied), Dst: StatusStopped},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				log.WithFields(logrus.Fields{
					"event": e.Event,
					"from":  e.Src,
					"to":    e.Dst,
				}).Info("status changed")
			},
		},
	)
	return s
}

// fire applies event when the current state allows it and reports whether
// the state changed.
func (s *statusMachine) fire(event string) bool {
	s.mu.Lock()
	from := s.fsm.Current()
	if !s.fsm.Can(event) {
		s.mu.Unlock()
		return false
	}
	err := s.fsm.Event(event)
	to := s.fsm.Current()
	s.mu.Unlock()

	if _, ok := err.(fsm.NoTransitionError); err != nil && !ok {
		return false
	}
	if from == to {
		return false
	}
	if s.onChange != nil {
		s.onChange(from, to)
	}
	return true
}

func (s *statusMachine) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}
