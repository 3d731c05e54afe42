package httpapi

import (
	"context"
	"time"

	"dreamrelay/internal/cache"
	"dreamrelay/internal/lifecycle"
	"dreamrelay/internal/presence"
	"dreamrelay/internal/relay"
	"dreamrelay/internal/statestore"
	"dreamrelay/pkg/types"
)

// RelayService bundles the relay's components behind the Service interface.
type RelayService struct {
	hub      *relay.Hub
	cache    *cache.FrameCache
	presence *presence.Tracker
	backend  *lifecycle.Manager
	store    *statestore.Store

	start time.Time
}

// NewRelayService wires the HTTP surface to its collaborators.
func NewRelayService(hub *relay.Hub, c *cache.FrameCache, p *presence.Tracker, m *lifecycle.Manager, s *statestore.Store) *RelayService {
	return &RelayService{
		hub:      hub,
		cache:    c,
		presence: p,
		backend:  m,
		store:    s,
		start:    time.Now(),
	}
}

// Status assembles the full monitoring snapshot.
func (s *RelayService) Status() types.StatusResponse {
	status, message := s.hub.Status()
	return types.StatusResponse{
		Status:  status,
		Message: message,
		Backend: s.backend.Status(s.hub.WorkerConnected()),
		Cache:   s.cache.Stats(),
		Viewers: types.ViewerStatus{
			Count:       s.hub.ViewerCount(),
			APIActive:   s.presence.HasRecentAPIActivity(),
			StopPending: s.presence.StopPending(),
		},
		Playback:       s.hub.Pacer().Stats(),
		ServerTimeUnix: time.Now().Unix(),
		UptimeSeconds:  int64(time.Since(s.start).Seconds()),
	}
}

func (s *RelayService) CurrentFrame() (types.Frame, bool) {
	return s.cache.Latest()
}

func (s *RelayService) FrameByNumber(n int64) (types.Frame, bool) {
	return s.cache.Get(n)
}

func (s *RelayService) RecentFrames(count int) []types.Frame {
	return s.cache.Recent(count)
}

// ForceStop aborts a starting or running backend. A save-state request and a
// shutdown control go out first so a connected worker can snapshot and exit
// cleanly before the job is cancelled.
func (s *RelayService) ForceStop(ctx context.Context) (types.StopResponse, error) {
	prev := string(s.backend.State())
	if err := s.hub.RequestSaveState(); err != nil && !relay.IsNoWorker(err) {
		logInfo("save-state request before stop failed: " + err.Error())
	}
	if err := s.hub.RequestShutdown(); err != nil && !relay.IsNoWorker(err) {
		logInfo("shutdown request before stop failed: " + err.Error())
	}
	err := s.backend.ForceStop(ctx)
	resp := types.StopResponse{
		Success:       err == nil,
		PreviousState: prev,
		NewState:      string(s.backend.State()),
	}
	if err != nil {
		resp.Message = err.Error()
		return resp, err
	}
	resp.Message = "backend stopped"
	return resp, nil
}

func (s *RelayService) StateInfo() types.StateInfoResponse {
	if s.store == nil {
		return types.StateInfoResponse{HasState: false}
	}
	return s.store.Info()
}

func (s *RelayService) ClearState() error {
	if s.store == nil {
		return nil
	}
	return s.store.Clear()
}

func (s *RelayService) OnAPIAccess(triggerStart bool) {
	s.presence.OnAPIAccess(triggerStart)
}

// Ready reports liveness for load balancers. The relay serves cached frames
// and status even without a worker, so it is ready as soon as it is up.
func (s *RelayService) Ready() bool { return true }
