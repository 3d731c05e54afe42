package types

import "time"

// Frame is one unit of streamed content received from the worker.
// Payload bytes are opaque encoded image data; the relay never decodes them.
// Frames are immutable after creation.
type Frame struct {
	// Monotonically increasing number, unique per worker session.
	Number int64
	// Grouping identifier for frames sharing a generative seed/segment.
	Keyframe int64
	// Opaque encoded image bytes (e.g. WebP at a fixed resolution).
	Payload []byte
	// Descriptive label last reported by the worker, if any.
	Prompt string
	// How long the worker spent generating this frame, in milliseconds.
	GenerationTimeMs int64
	// Arrival time at the relay.
	ReceivedAt time.Time
}

// SizeBytes reports the payload size.
func (f Frame) SizeBytes() int { return len(f.Payload) }

// Meta builds the payload-free projection of f.
func (f Frame) Meta() FrameMeta {
	return FrameMeta{
		FrameNumber:      f.Number,
		KeyframeNumber:   f.Keyframe,
		Timestamp:        float64(f.ReceivedAt.UnixNano()) / float64(time.Second),
		GenerationTimeMs: f.GenerationTimeMs,
		SizeBytes:        len(f.Payload),
		Prompt:           f.Prompt,
	}
}
