// Package playback converts a bursty arrival stream of frames into smooth,
// perceptually continuous playback. The pacing math (effective fps, blend
// alpha) is pure and unit-testable; rendering happens behind a callback, so
// the pacer never touches a drawing surface.
package playback

import (
	"context"
	"math"
	"sync"
	"time"

	"dreamrelay/pkg/types"
)

const (
	// DefaultTargetFPS is the nominal playback rate until the worker
	// configures one.
	DefaultTargetFPS = 5.0
	// MaxSpeedup bounds the catch-up rate so draining a backlog stays
	// invisible (no perceptible fast-forward).
	MaxSpeedup = 1.15
	// DefaultQueueCapacity bounds the undisplayed backlog (~10s at 3 fps).
	// When full the newest arrival is rejected; the queue never grows past
	// this and never silently balloons memory.
	DefaultQueueCapacity = 30
	// DefaultFadeDuration is the crossfade span between consecutive frames.
	DefaultFadeDuration = 500 * time.Millisecond
	// skipToLiveKeep is how many queued frames survive a skip-to-live trim.
	skipToLiveKeep = 3
)

// EffectiveFPS computes the playback rate for the current queue depth.
// At or below targetDepth the nominal rate is used; above it the rate ramps
// linearly up to MaxSpeedup at twice the target depth.
func EffectiveFPS(target float64, depth, targetDepth int) float64 {
	if target <= 0 {
		target = DefaultTargetFPS
	}
	if targetDepth <= 0 || depth <= targetDepth {
		return target
	}
	excess := float64(depth-targetDepth) / float64(targetDepth)
	if excess > 1 {
		excess = 1
	}
	return target * (1 + (MaxSpeedup-1)*excess)
}

// BlendAlpha computes the crossfade opacity of the incoming frame, ramping
// 0..1 over fade. Non-positive fade snaps to 1 (hard cut).
func BlendAlpha(elapsed, fade time.Duration) float64 {
	if fade <= 0 || elapsed >= fade {
		return 1
	}
	if elapsed <= 0 {
		return 0
	}
	return math.Min(1, float64(elapsed)/float64(fade))
}

// DisplayFunc receives each released frame. The previous frame pointer is
// nil for the first release; renderers use it as the crossfade source.
type DisplayFunc func(f types.Frame, prev *types.Frame)

// Pacer owns the client-side frame queue and release loop.
type Pacer struct {
	display DisplayFunc

	mu          sync.Mutex
	queue       []types.Frame
	displayed   *types.Frame
	prev        *types.Frame
	blendStart  time.Time
	targetFPS   float64
	queueCap    int
	minBuffer   int
	targetDepth int
	fade        time.Duration
	started     bool
	paused      bool

	framesReceived  int64
	framesDisplayed int64
	framesDropped   int64
	underruns       int64
}

// Config carries Pacer construction parameters. Zero values take defaults.
type Config struct {
	TargetFPS     float64
	QueueCapacity int
	// MinBufferFrames must accumulate before playback starts (~1s worth).
	MinBufferFrames int
	FadeDuration    time.Duration
	Display         DisplayFunc
}

// New builds a Pacer.
func New(cfg Config) *Pacer {
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = DefaultTargetFPS
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.MinBufferFrames <= 0 {
		cfg.MinBufferFrames = int(math.Ceil(cfg.TargetFPS)) // one second
	}
	if cfg.FadeDuration <= 0 {
		cfg.FadeDuration = DefaultFadeDuration
	}
	return &Pacer{
		display:     cfg.Display,
		targetFPS:   cfg.TargetFPS,
		queueCap:    cfg.QueueCapacity,
		minBuffer:   cfg.MinBufferFrames,
		targetDepth: cfg.MinBufferFrames,
		fade:        cfg.FadeDuration,
	}
}

// SetTargetFPS updates the nominal rate (from a worker config message).
func (p *Pacer) SetTargetFPS(fps float64) {
	if fps <= 0 {
		return
	}
	p.mu.Lock()
	p.targetFPS = fps
	p.mu.Unlock()
}

// Enqueue adds an arrived frame. Returns false when the queue is at
// capacity: the new frame is rejected rather than growing the backlog.
func (p *Pacer) Enqueue(f types.Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.framesReceived++
	if len(p.queue) >= p.queueCap {
		p.framesDropped++
		return false
	}
	p.queue = append(p.queue, f)
	return true
}

// QueueDepth reports undisplayed frames.
func (p *Pacer) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Pause stops releasing frames. Arrivals keep queueing so the server-side
// presence logic still sees an active consumer.
func (p *Pacer) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume trims stale backlog to near-live and restarts the release tick.
func (p *Pacer) Resume() {
	p.mu.Lock()
	if len(p.queue) > skipToLiveKeep {
		p.framesDropped += int64(len(p.queue) - skipToLiveKeep)
		p.queue = append(p.queue[:0:0], p.queue[len(p.queue)-skipToLiveKeep:]...)
	}
	p.paused = false
	p.mu.Unlock()
}

// Reset drops the queued backlog and rebuffers from scratch. Called when a
// new worker session begins; cumulative counters are kept.
func (p *Pacer) Reset() {
	p.mu.Lock()
	p.queue = p.queue[:0]
	p.started = false
	p.paused = false
	p.mu.Unlock()
}

// Current returns the visible pair for renderers: the frame fading out, the
// frame fading in, and the blend alpha for the incoming one.
func (p *Pacer) Current() (prev, displayed *types.Frame, alpha float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.displayed == nil {
		return nil, nil, 0
	}
	return p.prev, p.displayed, BlendAlpha(time.Since(p.blendStart), p.fade)
}

// Run drives the release tick until ctx is cancelled. One frame is released
// per tick; the tick interval tracks the adaptive effective fps.
func (p *Pacer) Run(ctx context.Context) {
	for {
		interval := p.tickInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		p.tick()
	}
}

// tickInterval derives the sleep before the next release. While buffering
// (or paused) it polls at a fixed short cadence instead of the frame rate.
func (p *Pacer) tickInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused || !p.started {
		return 100 * time.Millisecond
	}
	fps := EffectiveFPS(p.targetFPS, len(p.queue), p.targetDepth)
	return time.Duration(float64(time.Second) / fps)
}

// tick releases at most one frame. Underrun holds the last displayed frame;
// nothing blank is ever shown.
func (p *Pacer) tick() {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return
	}
	if !p.started {
		if len(p.queue) < p.minBuffer {
			p.mu.Unlock()
			return
		}
		p.started = true
	}
	if len(p.queue) == 0 {
		p.underruns++
		p.mu.Unlock()
		return
	}
	f := p.queue[0]
	p.queue = p.queue[1:]
	p.prev = p.displayed
	p.displayed = &f
	p.blendStart = time.Now()
	p.framesDisplayed++
	prev := p.prev
	display := p.display
	p.mu.Unlock()

	if display != nil {
		display(f, prev)
	}
}

// Stats returns a snapshot for the status surface.
func (p *Pacer) Stats() types.PlaybackStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var bufferSec float64
	if p.targetFPS > 0 {
		bufferSec = float64(len(p.queue)) / p.targetFPS
	}
	return types.PlaybackStatus{
		QueueDepth:      len(p.queue),
		BufferSeconds:   bufferSec,
		TargetFPS:       p.targetFPS,
		EffectiveFPS:    EffectiveFPS(p.targetFPS, len(p.queue), p.targetDepth),
		FramesReceived:  p.framesReceived,
		FramesDisplayed: p.framesDisplayed,
		FramesDropped:   p.framesDropped,
		Underruns:       p.underruns,
		Started:         p.started,
	}
}
