package playback

import (
	"testing"
	"time"

	"dreamrelay/pkg/types"
)

func frame(n int64) types.Frame {
	return types.Frame{Number: n, Payload: []byte{byte(n)}}
}

func TestEffectiveFPSAtOrBelowTarget(t *testing.T) {
	for _, depth := range []int{0, 1, 3, 5} {
		if got := EffectiveFPS(5, depth, 5); got != 5 {
			t.Fatalf("depth=%d fps=%v want 5", depth, got)
		}
	}
}

func TestEffectiveFPSRampsAndCaps(t *testing.T) {
	mid := EffectiveFPS(5, 7, 5) // 40% over target depth
	if mid <= 5 || mid >= 5*MaxSpeedup {
		t.Fatalf("mid-backlog fps=%v, want between 5 and %v", mid, 5*MaxSpeedup)
	}
	// Arbitrarily deep backlog never exceeds the cap.
	for _, depth := range []int{10, 20, 1000} {
		got := EffectiveFPS(5, depth, 5)
		if got > 5*MaxSpeedup+1e-9 {
			t.Fatalf("depth=%d fps=%v exceeds cap %v", depth, got, 5*MaxSpeedup)
		}
	}
}

func TestEffectiveFPSDefaultsTarget(t *testing.T) {
	if got := EffectiveFPS(0, 0, 5); got != DefaultTargetFPS {
		t.Fatalf("fps=%v want default", got)
	}
}

func TestBlendAlpha(t *testing.T) {
	fade := 500 * time.Millisecond
	if a := BlendAlpha(0, fade); a != 0 {
		t.Fatalf("alpha at start=%v", a)
	}
	if a := BlendAlpha(250*time.Millisecond, fade); a < 0.49 || a > 0.51 {
		t.Fatalf("alpha at midpoint=%v", a)
	}
	if a := BlendAlpha(fade, fade); a != 1 {
		t.Fatalf("alpha at end=%v", a)
	}
	if a := BlendAlpha(time.Second, fade); a != 1 {
		t.Fatalf("alpha past end=%v", a)
	}
	if a := BlendAlpha(time.Millisecond, 0); a != 1 {
		t.Fatalf("zero fade should hard-cut, alpha=%v", a)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	p := New(Config{QueueCapacity: 3})
	for n := int64(1); n <= 3; n++ {
		if !p.Enqueue(frame(n)) {
			t.Fatalf("frame %d rejected below capacity", n)
		}
	}
	if p.Enqueue(frame(4)) {
		t.Fatalf("frame above capacity accepted")
	}
	if p.QueueDepth() != 3 {
		t.Fatalf("depth=%d want 3", p.QueueDepth())
	}
	if st := p.Stats(); st.FramesDropped != 1 {
		t.Fatalf("dropped=%d want 1", st.FramesDropped)
	}
}

func TestPlaybackWaitsForMinBuffer(t *testing.T) {
	p := New(Config{TargetFPS: 5, MinBufferFrames: 3})
	p.Enqueue(frame(1))
	p.tick()
	if st := p.Stats(); st.Started || st.FramesDisplayed != 0 {
		t.Fatalf("playback started below min buffer: %+v", st)
	}
	p.Enqueue(frame(2))
	p.Enqueue(frame(3))
	p.tick()
	if st := p.Stats(); !st.Started || st.FramesDisplayed != 1 {
		t.Fatalf("playback should start at min buffer: %+v", st)
	}
}

func TestUnderrunHoldsLastFrame(t *testing.T) {
	var displayed []int64
	p := New(Config{TargetFPS: 5, MinBufferFrames: 1, Display: func(f types.Frame, prev *types.Frame) {
		displayed = append(displayed, f.Number)
	}})
	p.Enqueue(frame(1))
	p.tick()
	// Queue now empty: further ticks must not blank the display.
	p.tick()
	p.tick()
	if len(displayed) != 1 || displayed[0] != 1 {
		t.Fatalf("displayed=%v want [1]", displayed)
	}
	_, cur, _ := p.Current()
	if cur == nil || cur.Number != 1 {
		t.Fatalf("displayed frame lost on underrun")
	}
	if st := p.Stats(); st.Underruns != 2 {
		t.Fatalf("underruns=%d want 2", st.Underruns)
	}
}

func TestBurstNeverExceedsRateCap(t *testing.T) {
	p := New(Config{TargetFPS: 5, MinBufferFrames: 2, QueueCapacity: 30})
	for n := int64(1); n <= 20; n++ {
		p.Enqueue(frame(n))
	}
	// The tick interval is the pacing contract: with a deep backlog it must
	// still be at least 1/(target*1.15) seconds per frame.
	capFPS := 5 * MaxSpeedup
	minInterval := time.Duration(float64(time.Second) / capFPS)
	p.tick() // start playback
	for i := 0; i < 19; i++ {
		if iv := p.tickInterval(); iv < minInterval {
			t.Fatalf("interval %v below floor %v at depth %d", iv, minInterval, p.QueueDepth())
		}
		p.tick()
	}
	if st := p.Stats(); st.FramesDisplayed != 20 {
		t.Fatalf("displayed=%d want 20", st.FramesDisplayed)
	}
}

func TestPauseHoldsReleasesButQueues(t *testing.T) {
	var displayed int
	p := New(Config{TargetFPS: 5, MinBufferFrames: 1, Display: func(types.Frame, *types.Frame) {
		displayed++
	}})
	p.Enqueue(frame(1))
	p.tick()
	p.Pause()
	for n := int64(2); n <= 6; n++ {
		p.Enqueue(frame(n)) // arrivals keep flowing while hidden
	}
	p.tick()
	p.tick()
	if displayed != 1 {
		t.Fatalf("frames released while paused: %d", displayed)
	}
	if p.QueueDepth() != 5 {
		t.Fatalf("depth=%d want 5", p.QueueDepth())
	}
}

func TestResumeTrimsToNearLive(t *testing.T) {
	p := New(Config{TargetFPS: 5, MinBufferFrames: 1})
	p.Pause()
	for n := int64(1); n <= 20; n++ {
		p.Enqueue(frame(n))
	}
	p.Resume()
	if p.QueueDepth() != skipToLiveKeep {
		t.Fatalf("depth=%d want %d after skip-to-live", p.QueueDepth(), skipToLiveKeep)
	}
	p.tick()
	_, cur, _ := p.Current()
	if cur == nil || cur.Number != 18 {
		t.Fatalf("expected near-live frame 18, got %+v", cur)
	}
}

func TestCrossfadePair(t *testing.T) {
	p := New(Config{TargetFPS: 5, MinBufferFrames: 1, FadeDuration: time.Hour})
	p.Enqueue(frame(1))
	p.tick()
	p.Enqueue(frame(2))
	p.tick()
	prev, cur, alpha := p.Current()
	if prev == nil || prev.Number != 1 {
		t.Fatalf("prev=%+v want frame 1", prev)
	}
	if cur == nil || cur.Number != 2 {
		t.Fatalf("cur=%+v want frame 2", cur)
	}
	if alpha >= 1 {
		t.Fatalf("alpha=%v should still be mid-fade", alpha)
	}
}
