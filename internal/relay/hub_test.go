package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"dreamrelay/internal/cache"
	"dreamrelay/internal/playback"
	"dreamrelay/internal/presence"
	"dreamrelay/pkg/types"
)

type fakeBackend struct {
	connects    atomic.Int32
	disconnects atomic.Int32
	frames      atomic.Int32
}

func (b *fakeBackend) OnWorkerConnected()    { b.connects.Add(1) }
func (b *fakeBackend) OnWorkerDisconnected() { b.disconnects.Add(1) }
func (b *fakeBackend) OnFrameReceived()      { b.frames.Add(1) }

type fakeStore struct {
	mu    sync.Mutex
	data  []byte
	saved [][]byte
}

func (s *fakeStore) Save(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), data...)
	s.saved = append(s.saved, cp)
	s.data = cp
	return nil
}

func (s *fakeStore) Load() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, false, nil
	}
	return s.data, true, nil
}

func (s *fakeStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func newTestHub(store StateStore) (*Hub, *fakeBackend) {
	fb := &fakeBackend{}
	h := New(Config{
		Cache:    cache.New(8),
		Presence: presence.New(presence.Config{Logger: zerolog.Nop()}),
		Backend:  fb,
		Store:    store,
		Logger:   zerolog.Nop(),
		Playback: playback.Config{TargetFPS: 50, MinBufferFrames: 1, QueueCapacity: 8},
	})
	return h, fb
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newHubServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/dreams", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.ServeViewer(r.Context(), conn)
	})
	mux.HandleFunc("/ws/worker", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.ServeWorker(r.Context(), conn)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readJSON reads the next text message into a generic map.
func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("expected text message, got type %d", msgType)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

// readUntilStatus skips messages until a status with the given value arrives.
func readUntilStatus(t *testing.T, conn *websocket.Conn, status string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		m := readJSON(t, conn)
		if m["type"] == "status" && m["status"] == status {
			return m
		}
	}
	t.Fatalf("never saw status %q", status)
	return nil
}

// readUntilBinary collects text messages until the first binary one.
func readUntilBinary(t *testing.T, conn *websocket.Conn) (texts []map[string]any, payload []byte) {
	t.Helper()
	for i := 0; i < 20; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if msgType == websocket.BinaryMessage {
			return texts, data
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		texts = append(texts, m)
	}
	t.Fatal("no binary message arrived")
	return nil, nil
}

func TestViewerCatchupFrame(t *testing.T) {
	h, _ := newTestHub(nil)
	h.cache.Put(types.Frame{Number: 7, Keyframe: 2, Prompt: "aurora", Payload: []byte("img-7"), ReceivedAt: time.Now()})
	srv := newHubServer(t, h)

	conn := dialWS(t, srv, "/ws/dreams")

	status := readJSON(t, conn)
	if status["type"] != "status" {
		t.Fatalf("first message should be status, got %v", status)
	}
	texts, payload := readUntilBinary(t, conn)
	if len(texts) == 0 || texts[len(texts)-1]["type"] != "frame_meta" {
		t.Fatalf("expected frame_meta before binary, got %v", texts)
	}
	meta := texts[len(texts)-1]
	if meta["fn"] != float64(7) || meta["p"] != "aurora" {
		t.Fatalf("unexpected meta %v", meta)
	}
	if payload[0] != MsgFrame || string(payload[1:]) != "img-7" {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestWorkerFrameReachesViewer(t *testing.T) {
	h, fb := newTestHub(nil)
	srv := newHubServer(t, h)

	viewer := dialWS(t, srv, "/ws/dreams")
	readJSON(t, viewer) // initial status

	worker := dialWS(t, srv, "/ws/worker")
	readUntilStatus(t, viewer, StatusReady)

	msg, err := EncodeFrameMessage(FrameMessage{
		FrameNumber:    1,
		KeyframeNumber: 1,
		Prompt:         "first light",
		Payload:        []byte("img-1"),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := worker.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	texts, payload := readUntilBinary(t, viewer)
	meta := texts[len(texts)-1]
	if meta["type"] != "frame_meta" || meta["fn"] != float64(1) || meta["p"] != "first light" {
		t.Fatalf("unexpected meta %v", meta)
	}
	if string(payload[1:]) != "img-1" {
		t.Fatalf("unexpected payload %q", payload)
	}
	if fb.frames.Load() != 1 {
		t.Fatalf("backend saw %d frames, want 1", fb.frames.Load())
	}

	// The released frame lands in the cache for later catch-up.
	waitFor(t, func() bool { _, ok := h.cache.Latest(); return ok })
}

func TestSecondWorkerRefused(t *testing.T) {
	h, _ := newTestHub(nil)
	srv := newHubServer(t, h)

	first := dialWS(t, srv, "/ws/worker")
	defer first.Close()
	waitFor(t, h.WorkerConnected)

	second := dialWS(t, srv, "/ws/worker")
	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := second.ReadMessage()
	if !websocket.IsCloseError(err, 4000) {
		t.Fatalf("expected close 4000, got %v", err)
	}
}

func TestWorkerStatusConfiguresPacing(t *testing.T) {
	h, _ := newTestHub(nil)
	srv := newHubServer(t, h)

	viewer := dialWS(t, srv, "/ws/dreams")
	readJSON(t, viewer)

	worker := dialWS(t, srv, "/ws/worker")
	readUntilStatus(t, viewer, StatusReady)

	status := append([]byte{MsgStatus}, []byte(`{"target_fps": 7.5}`)...)
	if err := worker.WriteMessage(websocket.BinaryMessage, status); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		m := readJSON(t, viewer)
		if m["type"] == "config" {
			if m["target_fps"] != 7.5 {
				t.Fatalf("unexpected config %v", m)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no config broadcast")
		}
	}
	if got := h.Pacer().Stats().TargetFPS; got != 7.5 {
		t.Fatalf("pacer target fps = %v, want 7.5", got)
	}
}

func TestWorkerStatePersisted(t *testing.T) {
	store := &fakeStore{}
	h, _ := newTestHub(store)
	srv := newHubServer(t, h)

	worker := dialWS(t, srv, "/ws/worker")
	snapshot := append([]byte{MsgState}, []byte("opaque-state")...)
	if err := worker.WriteMessage(websocket.BinaryMessage, snapshot); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool { return store.savedCount() == 1 })
	if string(store.saved[0]) != "opaque-state" {
		t.Fatalf("unexpected snapshot %q", store.saved[0])
	}
}

func TestSavedStateSentOnWorkerConnect(t *testing.T) {
	store := &fakeStore{data: []byte("resume-me")}
	h, _ := newTestHub(store)
	srv := newHubServer(t, h)

	worker := dialWS(t, srv, "/ws/worker")
	_ = worker.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := worker.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.BinaryMessage || data[0] != CtrlLoadState {
		t.Fatalf("expected load-state message, got type=%d data=%q", msgType, data)
	}
	if string(data[1:]) != "resume-me" {
		t.Fatalf("unexpected state payload %q", data[1:])
	}
}

func TestWorkerReconnectBroadcastsResumed(t *testing.T) {
	h, _ := newTestHub(nil)
	// Frames from an earlier session mark the reconnect case.
	h.cache.Put(types.Frame{Number: 41, Payload: []byte("old"), ReceivedAt: time.Now()})
	srv := newHubServer(t, h)

	viewer := dialWS(t, srv, "/ws/dreams")
	readJSON(t, viewer) // status
	readUntilBinary(t, viewer)

	dialWS(t, srv, "/ws/worker")
	m := readUntilStatus(t, viewer, StatusReady)
	if m["message"] != "Dream stream resumed" {
		t.Fatalf("unexpected resume message %v", m["message"])
	}
}

func TestWorkerDisconnectGoesIdle(t *testing.T) {
	h, fb := newTestHub(nil)
	srv := newHubServer(t, h)

	viewer := dialWS(t, srv, "/ws/dreams")
	readJSON(t, viewer)

	worker := dialWS(t, srv, "/ws/worker")
	readUntilStatus(t, viewer, StatusReady)

	_ = worker.Close()
	m := readUntilStatus(t, viewer, StatusIdle)
	if m["message"] != "Dream machine sleeping..." {
		t.Fatalf("unexpected idle message %v", m["message"])
	}
	waitFor(t, func() bool { return fb.disconnects.Load() == 1 })
	if h.WorkerConnected() {
		t.Fatal("worker still registered after disconnect")
	}
}

func TestViewerPingPong(t *testing.T) {
	h, _ := newTestHub(nil)
	srv := newHubServer(t, h)

	conn := dialWS(t, srv, "/ws/dreams")
	readJSON(t, conn) // status

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := readJSON(t, conn)
	if m["type"] != "pong" {
		t.Fatalf("expected pong, got %v", m)
	}
}

func TestViewerPresenceCount(t *testing.T) {
	h, _ := newTestHub(nil)
	srv := newHubServer(t, h)

	a := dialWS(t, srv, "/ws/dreams")
	b := dialWS(t, srv, "/ws/dreams")
	_ = b
	waitFor(t, func() bool { return h.ViewerCount() == 2 })

	_ = a.Close()
	waitFor(t, func() bool { return h.ViewerCount() == 1 })
}

func TestSlowViewerDropped(t *testing.T) {
	h, _ := newTestHub(nil)

	// A viewer whose send buffer is already full: the next broadcast must
	// drop it without blocking.
	v := &Viewer{id: 1, send: make(chan outbound, 1), quit: make(chan struct{})}
	v.send <- outbound{msgType: websocket.TextMessage, data: []byte("stuck")}
	h.mu.Lock()
	h.viewers[v.id] = v
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.BroadcastStatus(StatusReady, "Dreams flowing...")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow viewer")
	}
	if h.ViewerCount() != 0 {
		t.Fatalf("slow viewer still registered, count=%d", h.ViewerCount())
	}
}

func TestControlSendsRequireWorker(t *testing.T) {
	h, _ := newTestHub(nil)
	if err := h.RequestShutdown(); !IsNoWorker(err) {
		t.Fatalf("expected ErrNoWorker, got %v", err)
	}
	if err := h.PauseWorker(); !IsNoWorker(err) {
		t.Fatalf("expected ErrNoWorker, got %v", err)
	}
}

func TestWorkerControlDelivery(t *testing.T) {
	h, _ := newTestHub(nil)
	srv := newHubServer(t, h)

	worker := dialWS(t, srv, "/ws/worker")
	waitFor(t, h.WorkerConnected)

	if err := h.RequestSaveState(); err != nil {
		t.Fatalf("save state: %v", err)
	}
	_ = worker.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := worker.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) != 1 || data[0] != CtrlSaveState {
		t.Fatalf("expected save-state control, got %v", data)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never held")
}
