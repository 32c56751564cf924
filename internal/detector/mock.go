package detector

import (
	"context"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/handwave/internal/landmark"
)

// MockDetector returns preset results. It is safe for concurrent use.
type MockDetector struct {
	mu     sync.Mutex
	hands  landmark.Set
	err    error
	calls  int
	closed bool
}

func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetHands sets the hands that will be returned by Detect.
func (m *MockDetector) SetHands(hands landmark.Set) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hands = hands
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockDetector) Detect(frame *gocv.Mat) (landmark.Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.hands, nil
}

func (m *MockDetector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls reports how many times Detect ran.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockDetector) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Factory returns a Factory handing out m.
func (m *MockDetector) Factory() Factory {
	return func(context.Context) (Detector, error) {
		m.mu.Lock()
		m.closed = false
		m.mu.Unlock()
		return m, nil
	}
}
