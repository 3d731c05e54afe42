package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dreamrelay/pkg/types"
)

// workerReadWait prunes a silent worker link. The worker sends heartbeats
// every few seconds even when generation stalls.
const workerReadWait = 90 * time.Second

// workerConn serializes writes to the single worker socket.
type workerConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (w *workerConn) write(data []byte, wait time.Duration) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wait))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// ServeWorker owns conn for the lifetime of one worker session. Only one
// worker link is allowed; a second connection is refused with a close code
// so the newcomer knows it lost the race rather than the network flaking.
func (h *Hub) ServeWorker(ctx context.Context, conn *websocket.Conn) {
	h.mu.Lock()
	if h.worker != nil {
		h.mu.Unlock()
		h.log.Warn().Msg("worker already connected, refusing new link")
		deadline := time.Now().Add(controlWriteWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4000, "worker already connected"), deadline)
		_ = conn.Close()
		return
	}
	w := &workerConn{conn: conn}
	h.worker = w
	h.mu.Unlock()

	resumed := h.cache.TotalFrames() > 0
	h.cache.ResetSession()
	h.pacer.Reset()
	h.backend.OnWorkerConnected()
	h.presence.SetBackendActive(true)
	h.log.Info().Bool("resumed", resumed).Msg("worker connected")

	h.sendSavedState(w)

	if resumed {
		// Frame numbering continues; the status push is the explicit
		// discontinuity marker for viewers.
		h.BroadcastStatus(StatusReady, "Dream stream resumed")
	} else {
		h.BroadcastStatus(StatusReady, "Dreams flowing...")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	h.workerReadLoop(w)

	h.mu.Lock()
	if h.worker == w {
		h.worker = nil
	}
	h.mu.Unlock()
	_ = conn.Close()

	h.backend.OnWorkerDisconnected()
	h.presence.SetBackendActive(false)
	h.log.Info().Msg("worker disconnected")
	h.BroadcastStatus(StatusIdle, "Dream machine sleeping...")
}

// sendSavedState restores the last persisted snapshot to a freshly connected
// worker so generation resumes where it left off.
func (h *Hub) sendSavedState(w *workerConn) {
	if h.store == nil {
		return
	}
	data, ok, err := h.store.Load()
	if err != nil {
		h.log.Error().Err(err).Msg("load saved state")
		return
	}
	if !ok {
		h.log.Info().Msg("no saved state to restore")
		return
	}
	if err := w.write(EncodeControl(CtrlLoadState, data), stateWriteWait); err != nil {
		h.log.Error().Err(err).Msg("send saved state")
		return
	}
	h.log.Info().Int("size_bytes", len(data)).Msg("saved state sent to worker")
}

func (h *Hub) workerReadLoop(w *workerConn) {
	// No read limit: state snapshots can be tens of megabytes.
	_ = w.conn.SetReadDeadline(time.Now().Add(workerReadWait))
	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = w.conn.SetReadDeadline(time.Now().Add(workerReadWait))
		if msgType != websocket.BinaryMessage {
			continue
		}
		msg, err := DecodeWorkerMessage(data)
		if err != nil {
			h.log.Warn().Err(err).Msg("bad worker message")
			continue
		}
		switch m := msg.(type) {
		case FrameMessage:
			h.handleWorkerFrame(m)
		case StateSnapshot:
			h.handleWorkerState(m)
		case Heartbeat:
			h.log.Debug().Msg("worker heartbeat")
		case StatusUpdate:
			h.handleWorkerStatus(m)
		}
	}
}

// handleWorkerFrame numbers the frame and hands it to the pacing queue. The
// worker's own numbering wins when present; the local counter covers legacy
// payloads and stays in sync either way.
func (h *Hub) handleWorkerFrame(m FrameMessage) {
	h.mu.Lock()
	number := m.FrameNumber
	if number <= 0 {
		number = h.nextFrameNumber
		h.nextFrameNumber++
	} else {
		h.nextFrameNumber = number + 1
	}
	if m.Prompt != "" {
		h.currentPrompt = m.Prompt
	}
	prompt := h.currentPrompt
	h.lastFrameAt = time.Now()
	h.mu.Unlock()

	h.metrics.FrameReceived(len(m.Payload))
	h.backend.OnFrameReceived()

	f := types.Frame{
		Number:           number,
		Keyframe:         m.KeyframeNumber,
		Payload:          m.Payload,
		Prompt:           prompt,
		GenerationTimeMs: m.GenerationTimeMs,
		ReceivedAt:       time.Now(),
	}
	if !h.pacer.Enqueue(f) {
		h.log.Debug().Int64("frame", number).Msg("playback queue full, frame rejected")
	}
}

func (h *Hub) handleWorkerState(m StateSnapshot) {
	if h.store == nil {
		return
	}
	if err := h.store.Save(m.Data); err != nil {
		h.log.Warn().Err(err).Msg("persist worker state")
		return
	}
	h.log.Debug().Int("size_bytes", len(m.Data)).Msg("worker state persisted")
}

func (h *Hub) handleWorkerStatus(m StatusUpdate) {
	h.log.Debug().Interface("status", m.Raw).Msg("worker status")
	if m.TargetFPS > 0 {
		h.pacer.SetTargetFPS(m.TargetFPS)
		h.broadcastConfig(m.TargetFPS)
	}
}

// sendControl pushes one control message over the worker link.
func (h *Hub) sendControl(ctrl byte, payload []byte, wait time.Duration) error {
	h.mu.Lock()
	w := h.worker
	h.mu.Unlock()
	if w == nil {
		return ErrNoWorker
	}
	return w.write(EncodeControl(ctrl, payload), wait)
}

// PauseWorker asks the worker to stop generating without shutting down.
func (h *Hub) PauseWorker() error { return h.sendControl(CtrlPause, nil, controlWriteWait) }

// ResumeWorker asks a paused worker to continue generating.
func (h *Hub) ResumeWorker() error { return h.sendControl(CtrlResume, nil, controlWriteWait) }

// RequestSaveState asks the worker to snapshot its generation state.
func (h *Hub) RequestSaveState() error { return h.sendControl(CtrlSaveState, nil, controlWriteWait) }

// RequestShutdown asks the worker to save state and exit cleanly.
func (h *Hub) RequestShutdown() error { return h.sendControl(CtrlShutdown, nil, controlWriteWait) }
