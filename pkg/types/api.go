package types

// FrameMeta describes a cached frame without its payload.
type FrameMeta struct {
	// Sequential frame number assigned by the worker.
	// example: 1042
	FrameNumber int64 `json:"frame_number" example:"1042"`
	// Keyframe this frame belongs to.
	// example: 17
	KeyframeNumber int64 `json:"keyframe_number" example:"17"`
	// Arrival time at the relay (unix seconds, fractional).
	// example: 1756700000.5
	Timestamp float64 `json:"timestamp" example:"1756700000.5"`
	// Worker-reported generation latency in milliseconds.
	// example: 180
	GenerationTimeMs int64 `json:"generation_time_ms" example:"180"`
	// Encoded payload size in bytes.
	// example: 48213
	SizeBytes int `json:"size_bytes" example:"48213"`
	// Prompt associated with the keyframe, if known.
	Prompt string `json:"prompt,omitempty"`
	// Base64 data URL, present only when inline data was requested.
	DataURL string `json:"data_url,omitempty"`
}

// RecentFramesResponse wraps GET /api/dreams/frames/recent.
type RecentFramesResponse struct {
	Frames []FrameMeta `json:"frames"`
	// Number of frames returned.
	// example: 5
	Count int `json:"count" example:"5"`
}

// CacheStatus summarizes frame cache occupancy for /status.
type CacheStatus struct {
	// Frames currently resident.
	// example: 30
	FramesCached int `json:"frames_cached" example:"30"`
	// Ring capacity.
	// example: 30
	Capacity int `json:"capacity" example:"30"`
	// Total frames received since process start.
	// example: 8211
	TotalFramesReceived int64 `json:"total_frames_received" example:"8211"`
	// Total payload bytes received since process start.
	// example: 398111744
	TotalBytesReceived int64 `json:"total_bytes_received" example:"398111744"`
	// Average frames per second since process start.
	// example: 4.8
	AverageFPS float64 `json:"average_fps" example:"4.8"`
	// Average frames per second since the current worker connected.
	// example: 5.1
	SessionFPS float64 `json:"session_fps" example:"5.1"`
	// Number of the most recent frame, 0 when empty.
	// example: 1042
	CurrentFrameNumber int64 `json:"current_frame_number" example:"1042"`
	// Keyframe of the most recent frame.
	// example: 17
	CurrentKeyframeNumber int64 `json:"current_keyframe_number" example:"17"`
}

// BackendStatus summarizes the compute backend for /status.
type BackendStatus struct {
	// Whether the worker link is live.
	// example: true
	Connected bool `json:"connected" example:"true"`
	// Lifecycle state: idle, starting, ready, stopping, error.
	// example: ready
	State string `json:"state" example:"ready"`
	// Whether a compute provider is configured.
	// example: true
	Configured bool `json:"configured" example:"true"`
	// Seconds the backend has been up in the current session.
	// example: 640.2
	UptimeSeconds float64 `json:"uptime_seconds" example:"640.2"`
	// Provider job id currently running, if any.
	JobID string `json:"job_id,omitempty"`
	// Last error observed, if any.
	Error string `json:"error,omitempty"`
	// Number of start attempts since process start.
	// example: 3
	StartAttempts int `json:"start_attempts" example:"3"`
	// Seconds since the last frame arrived, null when none yet.
	LastFrameAgeSeconds *float64 `json:"last_frame_age_seconds,omitempty"`
}

// ViewerStatus summarizes viewer presence for /status.
type ViewerStatus struct {
	// Connected streaming viewers.
	// example: 3
	Count int `json:"count" example:"3"`
	// Whether any tracked API endpoint was hit recently.
	// example: true
	APIActive bool `json:"api_active" example:"true"`
	// Whether a delayed stop is pending.
	// example: false
	StopPending bool `json:"stop_pending" example:"false"`
}

// PlaybackStatus summarizes the pacing queue for /status.
type PlaybackStatus struct {
	QueueDepth      int     `json:"queue_depth" example:"6"`
	BufferSeconds   float64 `json:"buffer_seconds" example:"1.2"`
	TargetFPS       float64 `json:"target_fps" example:"5"`
	EffectiveFPS    float64 `json:"effective_fps" example:"5"`
	FramesReceived  int64   `json:"frames_received" example:"8211"`
	FramesDisplayed int64   `json:"frames_displayed" example:"8200"`
	FramesDropped   int64   `json:"frames_dropped" example:"4"`
	Underruns       int64   `json:"underruns" example:"2"`
	Started         bool    `json:"started" example:"true"`
}

// StatusResponse is returned by GET /api/dreams/status.
type StatusResponse struct {
	// Overall relay status string shown to viewers.
	// example: ready
	Status string `json:"status" example:"ready"`
	// Human-readable status message.
	// example: Dreams flowing...
	Message  string        `json:"message" example:"Dreams flowing..."`
	Backend  BackendStatus `json:"backend"`
	Cache    CacheStatus   `json:"cache"`
	Viewers  ViewerStatus  `json:"viewers"`
	Playback PlaybackStatus `json:"playback"`
	// Server time in unix seconds.
	// example: 1756700000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1756700000"`
	// Relay uptime in seconds.
	// example: 86400
	UptimeSeconds int64 `json:"uptime_seconds" example:"86400"`
}

// StateInfoResponse is returned by GET /api/dreams/state.
type StateInfoResponse struct {
	// Whether a worker state snapshot is persisted.
	// example: true
	HasState bool `json:"has_state" example:"true"`
	// Snapshot size in bytes.
	// example: 1048576
	SizeBytes int64 `json:"size_bytes,omitempty" example:"1048576"`
	// When the snapshot was saved (unix seconds).
	// example: 1756699000
	SavedAtUnix int64 `json:"saved_at_unix,omitempty" example:"1756699000"`
	// Snapshot age in seconds.
	// example: 1000.5
	AgeSeconds float64 `json:"age_seconds,omitempty" example:"1000.5"`
}

// StopResponse is returned by POST /api/dreams/stop.
type StopResponse struct {
	Success       bool   `json:"success" example:"true"`
	PreviousState string `json:"previous_state" example:"starting"`
	NewState      string `json:"new_state" example:"idle"`
	Message       string `json:"message,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: frame 12 not in cache
	Error string `json:"error" example:"frame 12 not in cache"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}
