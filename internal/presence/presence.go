// Package presence tracks viewer connections and API activity to decide when
// the compute backend should run. A grace period absorbs brief disconnects
// (page reloads, tab switches) so the backend is not cycled needlessly.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultGracePeriod is how long after the last activity a stop is issued.
	DefaultGracePeriod = 5 * time.Minute
	// DefaultAPITimeout is how long an API hit keeps the backend warm.
	DefaultAPITimeout = 5 * time.Minute
)

// Tracker owns the aggregate presence state. It is the single writer of that
// state; hub and API handlers feed events in, the status surface reads out.
type Tracker struct {
	gracePeriod time.Duration
	apiTimeout  time.Duration
	onStart     func()
	onStop      func()
	log         zerolog.Logger

	mu            sync.Mutex
	viewers       int
	lastAPIAccess time.Time
	backendActive bool
	stopTimer     *time.Timer
}

// Config carries Tracker construction parameters.
type Config struct {
	// GracePeriod between last activity and issuing a stop.
	GracePeriod time.Duration
	// APITimeout is the window in which an API hit counts as activity.
	APITimeout time.Duration
	// OnShouldStart fires on a rising edge of presence while the backend is
	// down. Must be safe to call repeatedly; the lifecycle manager's start is
	// idempotent.
	OnShouldStart func()
	// OnShouldStop fires when the grace period expires with no activity.
	OnShouldStop func()
	Logger       zerolog.Logger
}

// New builds a Tracker. Zero durations take the package defaults.
func New(cfg Config) *Tracker {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = DefaultAPITimeout
	}
	return &Tracker{
		gracePeriod: cfg.GracePeriod,
		apiTimeout:  cfg.APITimeout,
		onStart:     cfg.OnShouldStart,
		onStop:      cfg.OnShouldStop,
		log:         cfg.Logger,
	}
}

// ViewerCount reports connected streaming viewers.
func (t *Tracker) ViewerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewers
}

// HasRecentAPIActivity reports whether a tracked endpoint was hit within the
// API timeout window.
func (t *Tracker) HasRecentAPIActivity() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasRecentAPIActivityLocked()
}

func (t *Tracker) hasRecentAPIActivityLocked() bool {
	return !t.lastAPIAccess.IsZero() && time.Since(t.lastAPIAccess) < t.apiTimeout
}

// StopPending reports whether a delayed stop is scheduled.
func (t *Tracker) StopPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopTimer != nil
}

// SetBackendActive records whether the backend is starting or running.
// Called by the lifecycle manager on state transitions; gates the rising-edge
// start so repeated connects do not refire it.
func (t *Tracker) SetBackendActive(active bool) {
	t.mu.Lock()
	t.backendActive = active
	t.mu.Unlock()
}

// OnViewerConnect registers a new viewer. Cancels any pending stop and
// requests a backend start if it is down.
func (t *Tracker) OnViewerConnect() {
	t.mu.Lock()
	t.viewers++
	count := t.viewers
	t.cancelStopLocked()
	start := !t.backendActive
	t.mu.Unlock()

	t.log.Info().Int("viewers", count).Msg("viewer connected")
	if start && t.onStart != nil {
		t.onStart()
	}
}

// OnViewerDisconnect deregisters a viewer. When the last one leaves, a stop
// is scheduled after the grace period.
func (t *Tracker) OnViewerDisconnect() {
	t.mu.Lock()
	if t.viewers > 0 {
		t.viewers--
	}
	count := t.viewers
	if count == 0 {
		t.scheduleStopLocked()
	}
	t.mu.Unlock()

	t.log.Info().Int("viewers", count).Msg("viewer disconnected")
}

// OnAPIAccess records a hit on a tracked endpoint. Cancels any pending stop.
// triggerStart is false for pure monitoring endpoints so pollers do not spin
// the backend up.
func (t *Tracker) OnAPIAccess(triggerStart bool) {
	t.mu.Lock()
	t.lastAPIAccess = time.Now()
	if t.viewers == 0 && t.backendActive {
		// Still no viewers: push the stop out by a full grace period.
		t.scheduleStopLocked()
	} else {
		t.cancelStopLocked()
	}
	start := triggerStart && !t.backendActive
	t.mu.Unlock()

	if start && t.onStart != nil {
		t.onStart()
	}
}

// scheduleStopLocked arms the grace timer. An existing timer is superseded,
// never stacked.
func (t *Tracker) scheduleStopLocked() {
	if t.stopTimer != nil {
		t.stopTimer.Stop()
	}
	t.stopTimer = time.AfterFunc(t.gracePeriod, t.stopExpired)
	t.log.Debug().Dur("grace", t.gracePeriod).Msg("stop scheduled")
}

func (t *Tracker) cancelStopLocked() {
	if t.stopTimer == nil {
		return
	}
	t.stopTimer.Stop()
	t.stopTimer = nil
	t.log.Debug().Msg("pending stop cancelled")
}

// stopExpired re-checks activity before actually stopping: a viewer or API
// hit that raced the timer wins.
func (t *Tracker) stopExpired() {
	t.mu.Lock()
	t.stopTimer = nil
	if t.viewers > 0 {
		t.mu.Unlock()
		t.log.Debug().Msg("stop skipped: viewers reconnected")
		return
	}
	if t.hasRecentAPIActivityLocked() {
		// API hits are still keeping the backend warm; try again later.
		t.scheduleStopLocked()
		t.mu.Unlock()
		t.log.Debug().Msg("stop deferred: recent API activity")
		return
	}
	t.mu.Unlock()

	t.log.Info().Msg("grace period expired, stopping backend")
	if t.onStop != nil {
		t.onStop()
	}
}
