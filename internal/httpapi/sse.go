package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SSE cadence: frames are polled at 10 Hz, status refreshes every 5s.
const (
	ssePollInterval   = 100 * time.Millisecond
	sseStatusInterval = 5 * time.Second
)

type sseStatusEvent struct {
	Status          string `json:"status"`
	WorkerConnected bool   `json:"worker_connected"`
	ViewerCount     int    `json:"viewer_count"`
	FrameCount      int64  `json:"frame_count"`
}

type sseFrameEvent struct {
	FrameNumber    int64  `json:"frame_number"`
	KeyframeNumber int64  `json:"keyframe_number"`
	Prompt         string `json:"prompt,omitempty"`
	Data           string `json:"data"`
}

// handleSSE streams status updates and base64 frames over Server-Sent
// Events. A polling fallback for clients that cannot speak WebSocket; the
// binary channel is far cheaper for real frame rates.
func handleSSE(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")

		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()

		svc.OnAPIAccess(true)

		writeStatus := func() {
			st := svc.Status()
			sendSSE(w, "status", sseStatusEvent{
				Status:          st.Status,
				WorkerConnected: st.Backend.Connected,
				ViewerCount:     st.Viewers.Count,
				FrameCount:      st.Cache.TotalFramesReceived,
			})
			flusher.Flush()
		}

		var lastFrame int64
		writeFrame := func() bool {
			f, ok := svc.CurrentFrame()
			if !ok || f.Number <= lastFrame {
				return false
			}
			lastFrame = f.Number
			sendSSE(w, "frame", sseFrameEvent{
				FrameNumber:    f.Number,
				KeyframeNumber: f.Keyframe,
				Prompt:         f.Prompt,
				Data:           base64.StdEncoding.EncodeToString(f.Payload),
			})
			flusher.Flush()
			return true
		}

		writeStatus()
		writeFrame()
		lastStatus := time.Now()

		ticker := time.NewTicker(ssePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if writeFrame() {
				// New frames count as activity and keep the backend warm.
				svc.OnAPIAccess(true)
			}
			if time.Since(lastStatus) > sseStatusInterval {
				lastStatus = time.Now()
				writeStatus()
			}
		}
	}
}

func sendSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
