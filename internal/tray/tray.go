// Package tray provides a system tray readout and controls for handwave.
package tray

import (
	"fmt"
	"math"
	"sync"

	"github.com/getlantern/systray"

	"github.com/ayusman/handwave/internal/app"
)

// Tray represents the system tray application.
type Tray struct {
	onToggle func(enabled bool)
	onReload func()
	onViewer func()
	onQuit   func()
	enabled  bool
	mu       sync.RWMutex

	// Menu items stored for later updates
	menuStatus *systray.MenuItem
	menuLast   *systray.MenuItem
	menuToggle *systray.MenuItem
}

// New creates a new Tray instance with enabled state set to true by default.
func New() *Tray {
	return &Tray{
		enabled: true,
	}
}

// OnToggle sets the callback called when processing is paused or resumed.
func (t *Tray) OnToggle(fn func(enabled bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onToggle = fn
}

// OnReload sets the callback called when "Reload models" is clicked.
func (t *Tray) OnReload(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReload = fn
}

// OnViewer sets the callback called when "Open viewer" is clicked.
func (t *Tray) OnViewer(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onViewer = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until Quit is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, func() {})
}

// Quit removes the tray icon and makes Run return.
func (t *Tray) Quit() {
	systray.Quit()
}

func (t *Tray) onReady() {
	systray.SetTitle("handwave")
	systray.SetTooltip("handwave hand sign recognition")

	t.mu.Lock()
	t.menuStatus = systray.AddMenuItem(StatusTitle(app.Snapshot{Status: app.StatusLoading}), "Pipeline status")
	t.menuStatus.Disable()
	t.menuLast = systray.AddMenuItem(LastTitle(app.Snapshot{}), "Last predicted letter")
	t.menuLast.Disable()
	systray.AddSeparator()

	t.menuToggle = systray.AddMenuItem(toggleTitle(t.enabled), "Pause or resume recognition")
	menuReload := systray.AddMenuItem("Reload models", "Load the detector and classifier again")
	menuViewer := systray.AddMenuItem("Open viewer...", "Open the viewer in a browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit handwave")
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-menuReload.ClickedCh:
				t.call(func() func() { return t.onReload })
			case <-menuViewer.ClickedCh:
				t.call(func() func() { return t.onViewer })
			case <-menuQuit.ClickedCh:
				t.call(func() func() { return t.onQuit })
				systray.Quit()
				return
			}
		}
	}()
}

// call runs the callback picked under the read lock, outside of it.
func (t *Tray) call(pick func() func()) {
	t.mu.RLock()
	callback := pick()
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

func toggleTitle(enabled bool) string {
	if enabled {
		return "● Enabled"
	}
	return "○ Paused"
}

func (t *Tray) handleToggle() {
	t.mu.Lock()
	t.enabled = !t.enabled
	enabled := t.enabled

	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleTitle(enabled))
	}

	callback := t.onToggle
	t.mu.Unlock()

	// Call the callback outside the lock to prevent deadlocks
	if callback != nil {
		callback(enabled)
	}
}

// Watch mirrors snapshots into the menu until the channel is closed.
func (t *Tray) Watch(snapshots <-chan app.Snapshot) {
	for snap := range snapshots {
		t.Show(snap)
	}
}

// Show updates the status, last-letter and pause lines. The pause line
// follows the app, so a pause from the viewer shows up here too.
func (t *Tray) Show(snap app.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.enabled = snap.Enabled
	if t.menuStatus != nil {
		t.menuStatus.SetTitle(StatusTitle(snap))
	}
	if t.menuLast != nil {
		t.menuLast.SetTitle(LastTitle(snap))
	}
	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleTitle(snap.Enabled))
	}
}

// IsEnabled returns the current enabled state.
func (t *Tray) IsEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// StatusTitle is the status line shown for a snapshot.
func StatusTitle(snap app.Snapshot) string {
	switch snap.Status {
	case app.StatusLoading:
		return "Loading models..."
	case app.StatusReady:
		return "Ready"
	case app.StatusDegraded:
		return "Classifier unavailable"
	case app.StatusDenied:
		return "Camera access denied"
	case app.StatusStopped:
		return "Stopped"
	}
	return snap.Status
}

// LastTitle is "Last: <label> (<pct>%)", or "Last: none" without a
// prediction.
func LastTitle(snap app.Snapshot) string {
	if !snap.HasPrediction() {
		return "Last: none"
	}
	pct := math.Round(float64(snap.Confidence) * 100)
	return fmt.Sprintf("Last: %s (%.0f%%)", snap.Label, pct)
}
