package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dreamrelay/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Status() types.StatusResponse
	CurrentFrame() (types.Frame, bool)
	FrameByNumber(n int64) (types.Frame, bool)
	RecentFrames(count int) []types.Frame
	ForceStop(ctx context.Context) (types.StopResponse, error)
	StateInfo() types.StateInfoResponse
	ClearState() error
	// OnAPIAccess records endpoint activity for the presence tracker.
	// triggerStart is false for monitoring endpoints.
	OnAPIAccess(triggerStart bool)
	Ready() bool
}

// WebSocketHandler serves the two upgrade endpoints. Satisfied by
// relay.Hub; nil disables them (handler tests).
type WebSocketHandler interface {
	ServeViewer(ctx context.Context, conn *websocket.Conn)
	ServeWorker(ctx context.Context, conn *websocket.Conn)
}

// MuxConfig assembles the HTTP surface.
type MuxConfig struct {
	Service Service
	Sockets WebSocketHandler
	// WorkerToken guards the worker endpoint and destructive admin calls.
	// Empty disables auth (non-production).
	WorkerToken string
}

// maxRecentFrames caps ?count on the recent-frames endpoint.
const maxRecentFrames = 30

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Viewers connect from arbitrary embed origins; frame data is public.
	CheckOrigin: func(*http.Request) bool { return true },
}

func NewMux(cfg MuxConfig) http.Handler {
	svc := cfg.Service

	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Plain HTTP surface. Compression and metrics instrumentation stay off
	// the upgrade endpoints so hijacking keeps working.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Content-Type-Options", "nosniff")
				next.ServeHTTP(w, r)
			})
		})
		if corsEnabled {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: corsAllowedOrigins,
				AllowedMethods: corsAllowedMethods,
				AllowedHeaders: corsAllowedHeaders,
			}))
		}
		r.Use(MetricsMiddleware)

		r.Route("/api/dreams", func(r chi.Router) {
			r.Get("/status", handleStatus(svc))
			r.Get("/current", handleCurrentFrame(svc))
			r.Get("/frame/{frameNumber}", handleFrameByNumber(svc))
			r.Get("/frames/recent", handleRecentFrames(svc))
			r.Get("/sse", handleSSE(svc))
			r.Post("/stop", handleStop(svc))
			r.Get("/state", handleStateInfo(svc))
			r.Delete("/state", handleStateClear(svc, cfg.WorkerToken))
		})

		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})

		r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if svc.Ready() {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ready"))
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("starting"))
		})

		// Prometheus metrics endpoint
		r.Get("/metrics", promhttp.Handler().ServeHTTP)

		MountSwagger(r)
	})

	if cfg.Sockets != nil {
		r.Get("/ws/dreams", handleViewerSocket(cfg.Sockets))
		r.Get("/ws/worker", handleWorkerSocket(cfg.Sockets, cfg.WorkerToken))
	}

	return r
}

func handleStatus(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Monitoring endpoint: pollers must not spin the backend up.
		svc.OnAPIAccess(false)
		writeJSON(w, r, svc.Status())
	}
}

func handleCurrentFrame(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.OnAPIAccess(true)
		f, ok := svc.CurrentFrame()
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeFrame(w, f, "no-cache, no-store, must-revalidate")
	}
}

func handleFrameByNumber(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.OnAPIAccess(true)
		n, err := strconv.ParseInt(chi.URLParam(r, "frameNumber"), 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid frame number")
			return
		}
		f, ok := svc.FrameByNumber(n)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "frame "+strconv.FormatInt(n, 10)+" not in cache")
			return
		}
		// Historical frames are immutable and safe to cache.
		writeFrame(w, f, "public, max-age=3600")
	}
}

func handleRecentFrames(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.OnAPIAccess(true)
		count := 5
		if v := r.URL.Query().Get("count"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				count = n
			}
		}
		if count < 1 {
			count = 1
		}
		if count > maxRecentFrames {
			count = maxRecentFrames
		}
		inline := false
		switch r.URL.Query().Get("format") {
		case "inline", "urls":
			inline = true
		}

		frames := svc.RecentFrames(count)
		metas := make([]types.FrameMeta, 0, len(frames))
		for _, f := range frames {
			m := f.Meta()
			if inline {
				m.DataURL = "data:image/webp;base64," + base64.StdEncoding.EncodeToString(f.Payload)
			}
			metas = append(metas, m)
		}
		writeJSON(w, r, types.RecentFramesResponse{Frames: metas, Count: len(metas)})
	}
}

func handleStop(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := svc.ForceStop(r.Context())
		if err != nil {
			logRequestError(r, "force stop failed", err)
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, r, resp)
	}
}

func handleStateInfo(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, svc.StateInfo())
	}
}

func handleStateClear(svc Service, token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, token) {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if err := svc.ClearState(); err != nil {
			logRequestError(r, "clear state failed", err)
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		logInfo("saved worker state cleared via API")
		writeJSON(w, r, map[string]string{"status": "cleared"})
	}
}

func handleViewerSocket(ws WebSocketHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		ws.ServeViewer(ctx, conn)
	}
}

func handleWorkerSocket(ws WebSocketHandler, token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, token) {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		ws.ServeWorker(ctx, conn)
	}
}

// authorized checks the bearer token in constant time. An empty configured
// token disables auth.
func authorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) == 1
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logRequestError(r, "encode response", err)
	}
}

// writeFrame sends raw frame bytes with the metadata headers clients key on.
func writeFrame(w http.ResponseWriter, f types.Frame, cacheControl string) {
	h := w.Header()
	h.Set("Content-Type", "image/webp")
	h.Set("X-Frame-Number", strconv.FormatInt(f.Number, 10))
	h.Set("X-Keyframe-Number", strconv.FormatInt(f.Keyframe, 10))
	h.Set("X-Generation-Time-Ms", strconv.FormatInt(f.GenerationTimeMs, 10))
	h.Set("Cache-Control", cacheControl)
	_, _ = w.Write(f.Payload)
}
