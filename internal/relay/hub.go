package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dreamrelay/internal/cache"
	"dreamrelay/internal/playback"
	"dreamrelay/internal/presence"
	"dreamrelay/pkg/types"
)

// Relay status strings surfaced to viewers and the HTTP API.
const (
	StatusIdle     = "idle"
	StatusStarting = "starting"
	StatusReady    = "ready"
	StatusStopping = "stopping"
	StatusError    = "error"
)

// Write deadlines. State snapshots can be large, controls must not linger.
const (
	viewerWriteWait  = 5 * time.Second
	controlWriteWait = 10 * time.Second
	stateWriteWait   = 30 * time.Second
)

// ErrNoWorker is returned by control sends when no worker is connected.
var ErrNoWorker = errors.New("no worker connected")

// IsNoWorker reports whether err means the worker link is down.
func IsNoWorker(err error) bool { return errors.Is(err, ErrNoWorker) }

// Backend receives worker link lifecycle notifications. Satisfied by
// lifecycle.Manager.
type Backend interface {
	OnWorkerConnected()
	OnWorkerDisconnected()
	OnFrameReceived()
}

// StateStore persists worker snapshots. Satisfied by statestore.Store.
type StateStore interface {
	Save(data []byte) error
	Load() (data []byte, ok bool, err error)
}

// Metrics receives hub-level counters. Satisfied by the httpapi prometheus
// set; a nil Config.Metrics means no-op.
type Metrics interface {
	ViewerConnected()
	ViewerDisconnected()
	ViewerDropped()
	FrameReceived(sizeBytes int)
	FrameBroadcast(viewerCount int)
}

type noopMetrics struct{}

func (noopMetrics) ViewerConnected()    {}
func (noopMetrics) ViewerDisconnected() {}
func (noopMetrics) ViewerDropped()      {}
func (noopMetrics) FrameReceived(int)   {}
func (noopMetrics) FrameBroadcast(int)  {}

type noopBackend struct{}

func (noopBackend) OnWorkerConnected()    {}
func (noopBackend) OnWorkerDisconnected() {}
func (noopBackend) OnFrameReceived()      {}

// JSON envelopes on the viewer text channel.
type viewerStatusMsg struct {
	Type        string `json:"type"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	FrameCount  int64  `json:"frame_count"`
	ViewerCount int    `json:"viewer_count"`
}

type viewerConfigMsg struct {
	Type      string  `json:"type"`
	TargetFPS float64 `json:"target_fps"`
}

type frameMetaMsg struct {
	Type     string `json:"type"`
	Frame    int64  `json:"fn"`
	Keyframe int64  `json:"kf"`
	Prompt   string `json:"p,omitempty"`
}

// Hub is the central broker: it owns the viewer registry, the single worker
// link, and the pacing queue between them. All collaborators are injected.
type Hub struct {
	cache    *cache.FrameCache
	presence *presence.Tracker
	backend  Backend
	store    StateStore
	metrics  Metrics
	pacer    *playback.Pacer
	log      zerolog.Logger

	mu        sync.Mutex
	viewers   map[int64]*Viewer
	nextID    int64
	worker    *workerConn
	status    string
	statusMsg string

	// Frame numbering is worker-authoritative; this counter covers legacy
	// payloads without metadata and stays monotonic across reconnects.
	nextFrameNumber int64
	currentPrompt   string
	lastFrameAt     time.Time
}

// Config carries Hub construction parameters. Cache and Presence are
// required; the rest default to no-ops.
type Config struct {
	Cache    *cache.FrameCache
	Presence *presence.Tracker
	Backend  Backend
	Store    StateStore
	Metrics  Metrics
	Logger   zerolog.Logger
	// Playback configures the pacing queue. Display is owned by the hub
	// and must be left nil.
	Playback playback.Config
}

// New builds a Hub and its pacing queue.
func New(cfg Config) *Hub {
	h := &Hub{
		cache:           cfg.Cache,
		presence:        cfg.Presence,
		backend:         cfg.Backend,
		store:           cfg.Store,
		metrics:         cfg.Metrics,
		log:             cfg.Logger,
		viewers:         make(map[int64]*Viewer),
		status:          StatusIdle,
		statusMsg:       "Waiting for connection...",
		nextFrameNumber: 1,
	}
	if h.backend == nil {
		h.backend = noopBackend{}
	}
	if h.metrics == nil {
		h.metrics = noopMetrics{}
	}
	cfg.Playback.Display = h.displayFrame
	h.pacer = playback.New(cfg.Playback)
	return h
}

// Pacer exposes the pacing queue for status snapshots.
func (h *Hub) Pacer() *playback.Pacer { return h.pacer }

// Run drives the pacing release loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) { h.pacer.Run(ctx) }

// ViewerCount reports connected streaming viewers.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// WorkerConnected reports whether the worker link is live.
func (h *Hub) WorkerConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.worker != nil
}

// Status returns the current relay status and its viewer-facing message.
func (h *Hub) Status() (status, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.statusMsg
}

// LastFrameAge reports seconds since the last frame arrived. ok is false
// when no frame has arrived yet.
func (h *Hub) LastFrameAge() (seconds float64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastFrameAt.IsZero() {
		return 0, false
	}
	return time.Since(h.lastFrameAt).Seconds(), true
}

// OnBackendState maps a lifecycle state change onto a status broadcast.
// Wired to lifecycle.Manager's OnStateChange in main.
func (h *Hub) OnBackendState(state, errMsg string) {
	switch state {
	case StatusStarting:
		h.BroadcastStatus(StatusStarting, "Waking up the dream machine...")
	case StatusStopping:
		h.BroadcastStatus(StatusStopping, "Dream machine stopping...")
	case StatusIdle:
		h.BroadcastStatus(StatusIdle, "Dream machine sleeping...")
	case StatusError:
		if errMsg == "" {
			errMsg = "Dream machine hit an error"
		}
		h.BroadcastStatus(StatusError, errMsg)
	}
	// "ready" is broadcast by the worker link itself on connect.
}

// BroadcastStatus records the new status and pushes it to every viewer.
func (h *Hub) BroadcastStatus(status, message string) {
	h.mu.Lock()
	h.status = status
	h.statusMsg = message
	msg := h.statusPayloadLocked()
	h.mu.Unlock()

	h.log.Info().Str("status", status).Str("message", message).Msg("status changed")
	h.broadcastJSON(msg)
}

func (h *Hub) statusPayloadLocked() viewerStatusMsg {
	return viewerStatusMsg{
		Type:        "status",
		Status:      h.status,
		Message:     h.statusMsg,
		FrameCount:  h.cache.TotalFrames(),
		ViewerCount: len(h.viewers),
	}
}

func (h *Hub) broadcastConfig(targetFPS float64) {
	h.broadcastJSON(viewerConfigMsg{Type: "config", TargetFPS: targetFPS})
	h.log.Debug().Float64("target_fps", targetFPS).Msg("config broadcast")
}

// broadcastJSON fans a text message out to every viewer. Viewers whose send
// buffer is full are dropped; one slow consumer never stalls the rest.
func (h *Hub) broadcastJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal broadcast")
		return
	}
	h.mu.Lock()
	targets := make([]*Viewer, 0, len(h.viewers))
	for _, vw := range h.viewers {
		targets = append(targets, vw)
	}
	h.mu.Unlock()

	for _, vw := range targets {
		if !vw.enqueueText(data) {
			h.dropViewer(vw, "send buffer full")
		}
	}
}

// displayFrame is the pacer's release callback: cache the frame, then push
// metadata and payload to every viewer in arrival order.
func (h *Hub) displayFrame(f types.Frame, _ *types.Frame) {
	h.cache.Put(f)

	meta, err := json.Marshal(frameMetaMsg{
		Type:     "frame_meta",
		Frame:    f.Number,
		Keyframe: f.Keyframe,
		Prompt:   f.Prompt,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal frame meta")
		return
	}
	payload := EncodeFramePush(f.Payload)

	h.mu.Lock()
	targets := make([]*Viewer, 0, len(h.viewers))
	for _, vw := range h.viewers {
		targets = append(targets, vw)
	}
	h.mu.Unlock()

	sent := 0
	for _, vw := range targets {
		if vw.enqueueText(meta) && vw.enqueueBinary(payload) {
			sent++
			continue
		}
		h.dropViewer(vw, "send buffer full")
	}
	h.metrics.FrameBroadcast(sent)
}

// dropViewer removes a viewer from the registry and closes its connection.
func (h *Hub) dropViewer(v *Viewer, reason string) {
	h.mu.Lock()
	_, present := h.viewers[v.id]
	delete(h.viewers, v.id)
	h.mu.Unlock()
	if !present {
		return
	}
	h.log.Debug().Int64("viewer_id", v.id).Str("reason", reason).Msg("viewer dropped")
	v.close()
	h.metrics.ViewerDisconnected()
	if reason == "send buffer full" {
		h.metrics.ViewerDropped()
	}
	h.presence.OnViewerDisconnect()
}
