package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// viewerSendBuffer bounds per-viewer outbound backlog. A frame costs two
	// slots (metadata then payload), so this holds ~16 frames of slack.
	viewerSendBuffer = 32
	// viewerReadWait prunes silent connections. Browsers send a JSON ping
	// well inside this window.
	viewerReadWait = 90 * time.Second
	// viewerMaxMsgSize bounds inbound viewer messages; viewers only ever
	// send small JSON control frames.
	viewerMaxMsgSize = 4 << 10
)

type outbound struct {
	msgType int
	data    []byte
}

// Viewer is one connected browser. Outbound traffic goes through a bounded
// channel drained by a dedicated write pump; the hub never blocks on a slow
// connection.
type Viewer struct {
	id   int64
	conn *websocket.Conn
	send chan outbound
	quit chan struct{}

	closeOnce sync.Once
}

func (v *Viewer) enqueueText(data []byte) bool {
	select {
	case v.send <- outbound{msgType: websocket.TextMessage, data: data}:
		return true
	default:
		return false
	}
}

func (v *Viewer) enqueueBinary(data []byte) bool {
	select {
	case v.send <- outbound{msgType: websocket.BinaryMessage, data: data}:
		return true
	default:
		return false
	}
}

// close signals the write pump and closes the socket. The send channel is
// never closed; concurrent broadcasters may still be enqueueing into it.
func (v *Viewer) close() {
	v.closeOnce.Do(func() {
		close(v.quit)
		if v.conn != nil {
			_ = v.conn.Close()
		}
	})
}

// writePump drains the send channel onto the socket. Runs in its own
// goroutine per viewer; exits on close or a failed write.
func (v *Viewer) writePump() {
	for {
		select {
		case msg := <-v.send:
			_ = v.conn.SetWriteDeadline(time.Now().Add(viewerWriteWait))
			if err := v.conn.WriteMessage(msg.msgType, msg.data); err != nil {
				_ = v.conn.Close()
				return
			}
		case <-v.quit:
			return
		}
	}
}

// ServeViewer owns conn for the lifetime of one viewer session: it registers
// the viewer, sends the current status and latest cached frame, then reads
// keepalive pings until the connection drops or ctx is cancelled.
func (h *Hub) ServeViewer(ctx context.Context, conn *websocket.Conn) {
	h.mu.Lock()
	h.nextID++
	v := &Viewer{
		id:   h.nextID,
		conn: conn,
		send: make(chan outbound, viewerSendBuffer),
		quit: make(chan struct{}),
	}
	h.viewers[v.id] = v
	status := h.statusPayloadLocked()
	h.mu.Unlock()

	go v.writePump()
	h.metrics.ViewerConnected()
	h.log.Debug().Int64("viewer_id", v.id).Msg("viewer connected")

	// Presence may trigger a backend start on the first viewer.
	h.presence.OnViewerConnect()

	h.sendCatchup(v, status)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	h.viewerReadLoop(v)
	h.dropViewer(v, "disconnected")
}

// sendCatchup pushes the current status and, when the cache is non-empty,
// the latest frame so a new viewer shows content immediately.
func (h *Hub) sendCatchup(v *Viewer, status viewerStatusMsg) {
	if data, err := json.Marshal(status); err == nil {
		v.enqueueText(data)
	}

	f, ok := h.cache.Latest()
	if !ok {
		return
	}
	prompt := f.Prompt
	if prompt == "" {
		h.mu.Lock()
		prompt = h.currentPrompt
		h.mu.Unlock()
	}
	meta, err := json.Marshal(frameMetaMsg{
		Type:     "frame_meta",
		Frame:    f.Number,
		Keyframe: f.Keyframe,
		Prompt:   prompt,
	})
	if err != nil {
		return
	}
	v.enqueueText(meta)
	v.enqueueBinary(EncodeFramePush(f.Payload))
}

func (h *Hub) viewerReadLoop(v *Viewer) {
	v.conn.SetReadLimit(viewerMaxMsgSize)
	_ = v.conn.SetReadDeadline(time.Now().Add(viewerReadWait))
	for {
		msgType, data, err := v.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = v.conn.SetReadDeadline(time.Now().Add(viewerReadWait))
		if msgType != websocket.TextMessage {
			continue
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn().Int64("viewer_id", v.id).Msg("invalid viewer message")
			continue
		}
		if msg.Type == "ping" {
			v.enqueueText([]byte(`{"type":"pong"}`))
		}
	}
}
