// Package lifecycle starts and stops the GPU worker on an elastic-compute
// provider, driven by viewer presence. The state machine is
// idle -> starting -> ready -> stopping -> idle, with error reachable from
// any state and recoverable on the next start attempt.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dreamrelay/pkg/types"
)

// State is a backend lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateStopping State = "stopping"
	StateError    State = "error"
)

const (
	defaultStartupTimeout = 2 * time.Minute
	defaultHealthInterval = 30 * time.Second
	frameStaleAfter       = time.Minute
)

// StateListener observes state transitions, e.g. to broadcast status to
// viewers. Called outside the manager lock.
type StateListener func(s State, errMsg string)

// Manager owns the backend state machine and the provider job.
type Manager struct {
	provider  Provider // nil when unconfigured: wait for manual connection
	workerURL string
	pub       EventPublisher
	listener  StateListener
	log       zerolog.Logger

	startupTimeout time.Duration
	healthInterval time.Duration

	mu             sync.Mutex
	state          State
	errMsg         string
	jobID          string
	startTime      time.Time
	startedAt      time.Time // when starting was entered, for startup timeout
	lastFrame      time.Time
	framesReceived int64
	startAttempts  int
	healthCancel   context.CancelFunc
}

// Config carries Manager construction parameters.
type Config struct {
	// Provider is nil when no compute provider is configured; the manager
	// then only tracks state and waits for the worker to connect on its own.
	Provider Provider
	// WorkerURL is handed to the provider job so the worker knows where to
	// connect back.
	WorkerURL string
	// Publisher receives lifecycle events; nil drops them.
	Publisher EventPublisher
	// OnStateChange observes transitions; nil is fine.
	OnStateChange StateListener
	// StartupTimeout bounds how long "starting" may last before error.
	StartupTimeout time.Duration
	// HealthInterval is the health check cadence.
	HealthInterval time.Duration
	Logger         zerolog.Logger
}

// New builds a Manager in the idle state.
func New(cfg Config) *Manager {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = noopPublisher{}
	}
	return &Manager{
		provider:       cfg.Provider,
		workerURL:      cfg.WorkerURL,
		pub:            pub,
		listener:       cfg.OnStateChange,
		log:            cfg.Logger,
		startupTimeout: cfg.StartupTimeout,
		healthInterval: cfg.HealthInterval,
		state:          StateIdle,
	}
}

// Configured reports whether a compute provider is wired in.
func (m *Manager) Configured() bool { return m.provider != nil }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EnsureRunning requests a backend start. Idempotent: a no-op while the
// backend is already starting or ready. Provider failures surface as the
// error state, never as a panic or crash.
func (m *Manager) EnsureRunning(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateStarting || m.state == StateReady {
		state := m.state
		m.mu.Unlock()
		m.log.Debug().Str("state", string(state)).Msg("start skipped, already active")
		return nil
	}
	// Transition under the same lock as the gate: two concurrent risers must
	// never both reach the provider.
	old := m.state
	m.state = StateStarting
	m.errMsg = ""
	m.startAttempts++
	m.startedAt = time.Now()
	m.mu.Unlock()

	m.notifyState(old, StateStarting, "")

	if m.provider == nil {
		// Non-elastic deployment: the worker is started out of band.
		m.log.Info().Msg("start requested, waiting for worker connection")
		return nil
	}

	jobID, err := m.provider.StartJob(ctx, map[string]any{
		"type":       "start",
		"worker_url": m.workerURL,
	})
	if err != nil {
		m.log.Error().Err(err).Msg("provider start failed")
		m.setState(StateError, err.Error())
		return err
	}

	m.mu.Lock()
	m.jobID = jobID
	if m.healthCancel != nil {
		m.healthCancel()
	}
	hctx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel
	m.mu.Unlock()

	m.log.Info().Str("job_id", jobID).Msg("provider job submitted")
	m.pub.Publish(Event{Name: "job_submitted", State: StateStarting, Fields: map[string]any{"job_id": jobID}})
	go m.healthLoop(hctx)
	return nil
}

// ForceStop cancels the provider job and transitions to idle. Used both by
// the presence grace-period callback and the admin stop endpoint.
func (m *Manager) ForceStop(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		m.log.Debug().Msg("stop skipped, already idle")
		return nil
	}
	jobID := m.jobID
	m.jobID = ""
	if m.healthCancel != nil {
		m.healthCancel()
		m.healthCancel = nil
	}
	uptime := time.Duration(0)
	if !m.startTime.IsZero() {
		uptime = time.Since(m.startTime)
	}
	m.mu.Unlock()

	m.setState(StateStopping, "")
	var err error
	if m.provider != nil && jobID != "" {
		if err = m.provider.CancelJob(ctx, jobID); err != nil {
			m.log.Error().Err(err).Str("job_id", jobID).Msg("provider cancel failed")
		}
	}
	// Idle regardless: the job either died or we gave up on it.
	m.setState(StateIdle, "")
	m.pub.Publish(Event{Name: "stopped", State: StateIdle, Fields: map[string]any{"uptime_seconds": uptime.Seconds()}})
	m.log.Info().Dur("uptime", uptime).Msg("backend stopped")
	return err
}

// OnWorkerConnected is called by the worker link when the socket comes up.
func (m *Manager) OnWorkerConnected() {
	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()
	m.log.Info().Msg("worker connected")
}

// OnWorkerDisconnected is called when the worker socket drops. Cached
// frames stay servable; only the status changes.
func (m *Manager) OnWorkerDisconnected() {
	m.mu.Lock()
	wasReady := m.state == StateReady
	if m.healthCancel != nil {
		m.healthCancel()
		m.healthCancel = nil
	}
	m.mu.Unlock()
	if wasReady {
		m.log.Warn().Msg("worker disconnected unexpectedly")
		m.setState(StateIdle, "")
	}
}

// OnFrameReceived marks the backend ready: the worker is actually producing,
// not merely booted.
func (m *Manager) OnFrameReceived() {
	m.mu.Lock()
	m.framesReceived++
	m.lastFrame = time.Now()
	transition := m.state != StateReady
	m.mu.Unlock()
	if transition {
		m.setState(StateReady, "")
	}
}

// setState updates the state and notifies listener + publisher.
func (m *Manager) setState(s State, errMsg string) {
	m.mu.Lock()
	if m.state == s && m.errMsg == errMsg {
		m.mu.Unlock()
		return
	}
	old := m.state
	m.state = s
	m.errMsg = errMsg
	m.mu.Unlock()

	m.notifyState(old, s, errMsg)
}

// notifyState emits the listener and publisher side of a transition that has
// already been applied. Always called outside the manager lock.
func (m *Manager) notifyState(old, s State, errMsg string) {
	m.log.Info().Str("from", string(old)).Str("to", string(s)).Msg("backend state")
	m.pub.Publish(Event{Name: "state_change", State: s, Fields: map[string]any{"from": string(old), "error": errMsg}})
	if m.listener != nil {
		m.listener(s, errMsg)
	}
}

// healthLoop watches a submitted job: startup timeout while starting, frame
// staleness while ready. Exits when its context is cancelled.
func (m *Manager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		state := m.state
		jobID := m.jobID
		startedAt := m.startedAt
		lastFrame := m.lastFrame
		m.mu.Unlock()

		switch state {
		case StateStarting:
			if time.Since(startedAt) > m.startupTimeout {
				m.log.Error().Dur("elapsed", time.Since(startedAt)).Msg("backend startup timeout")
				m.setState(StateError, "startup timeout")
				return
			}
			if jobID == "" {
				continue
			}
			st, err := m.provider.JobStatus(ctx, jobID)
			if err != nil {
				m.log.Warn().Err(err).Msg("job status check failed")
				continue
			}
			switch st.Status {
			case JobFailed:
				m.log.Error().Str("job_id", jobID).Str("error", st.Error).Msg("provider job failed")
				m.setState(StateError, st.Error)
				return
			case JobCompleted:
				// A streaming job should not complete on its own.
				m.log.Warn().Str("job_id", jobID).Msg("provider job completed unexpectedly")
			}
		case StateReady:
			if !lastFrame.IsZero() && time.Since(lastFrame) > frameStaleAfter {
				m.log.Warn().Dur("age", time.Since(lastFrame)).Msg("no frames received recently")
			}
		}
	}
}

// Status returns the backend view for the status endpoint.
func (m *Manager) Status(workerConnected bool) types.BackendStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := types.BackendStatus{
		Connected:     workerConnected,
		State:         string(m.state),
		Configured:    m.provider != nil,
		JobID:         m.jobID,
		Error:         m.errMsg,
		StartAttempts: m.startAttempts,
	}
	if m.state == StateReady && !m.startTime.IsZero() {
		st.UptimeSeconds = time.Since(m.startTime).Seconds()
	}
	if !m.lastFrame.IsZero() {
		age := time.Since(m.lastFrame).Seconds()
		st.LastFrameAgeSeconds = &age
	}
	return st
}
