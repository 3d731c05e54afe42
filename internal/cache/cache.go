// Package cache keeps a rolling buffer of the most recent frames so new
// viewers get an immediate picture and API callers can fetch recent history
// even while the worker is briefly disconnected.
package cache

import (
	"sync"
	"time"

	"dreamrelay/pkg/types"
)

// DefaultCapacity is the ring size used when the config leaves it at zero.
const DefaultCapacity = 30

// FrameCache is a fixed-capacity FIFO of the most recent frames.
// Single writer (the worker link), many readers; safe for concurrent use.
type FrameCache struct {
	mu       sync.RWMutex
	frames   []types.Frame // ring, oldest at head
	head     int
	count    int
	capacity int

	totalFrames  int64
	totalBytes   int64
	startTime    time.Time
	sessionStart time.Time
	sessionCount int64
}

// New returns a cache holding at most capacity frames. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *FrameCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	now := time.Now()
	return &FrameCache{
		frames:       make([]types.Frame, capacity),
		capacity:     capacity,
		startTime:    now,
		sessionStart: now,
	}
}

// Capacity reports the ring size.
func (c *FrameCache) Capacity() int { return c.capacity }

// Put inserts a frame, evicting the oldest when the ring is full. O(1).
func (c *FrameCache) Put(f types.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == c.capacity {
		c.frames[c.head] = f
		c.head = (c.head + 1) % c.capacity
	} else {
		c.frames[(c.head+c.count)%c.capacity] = f
		c.count++
	}
	c.totalFrames++
	c.sessionCount++
	c.totalBytes += int64(len(f.Payload))
}

// Latest returns the most recent frame. ok is false when the cache is empty.
func (c *FrameCache) Latest() (types.Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.count == 0 {
		return types.Frame{}, false
	}
	return c.frames[(c.head+c.count-1)%c.capacity], true
}

// Get looks up a frame by exact number. Frames older than the retention
// window report ok=false; this is not an error.
func (c *FrameCache) Get(frameNumber int64) (types.Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := c.count - 1; i >= 0; i-- {
		f := c.frames[(c.head+i)%c.capacity]
		if f.Number == frameNumber {
			return f, true
		}
	}
	return types.Frame{}, false
}

// Recent returns the min(count, resident) most recent frames, oldest first.
// count is clamped to the ring capacity.
func (c *FrameCache) Recent(count int) []types.Frame {
	if count <= 0 {
		return nil
	}
	if count > c.capacity {
		count = c.capacity
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if count > c.count {
		count = c.count
	}
	out := make([]types.Frame, 0, count)
	for i := c.count - count; i < c.count; i++ {
		out = append(out, c.frames[(c.head+i)%c.capacity])
	}
	return out
}

// Len reports the number of resident frames.
func (c *FrameCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}

// TotalFrames reports frames received since process start.
func (c *FrameCache) TotalFrames() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalFrames
}

// ResetSession restarts the per-session fps measurement. Called when a new
// worker connects so the session rate is not skewed by idle gaps.
func (c *FrameCache) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionStart = time.Now()
	c.sessionCount = 0
}

// Clear drops all cached frames. Counters are preserved.
func (c *FrameCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.frames {
		c.frames[i] = types.Frame{}
	}
	c.head = 0
	c.count = 0
}

// Stats returns a snapshot of cache occupancy and throughput.
func (c *FrameCache) Stats() types.CacheStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	var avg, session float64
	if up := now.Sub(c.startTime).Seconds(); up > 0 {
		avg = float64(c.totalFrames) / up
	}
	if up := now.Sub(c.sessionStart).Seconds(); up > 0 {
		session = float64(c.sessionCount) / up
	}
	st := types.CacheStatus{
		FramesCached:        c.count,
		Capacity:            c.capacity,
		TotalFramesReceived: c.totalFrames,
		TotalBytesReceived:  c.totalBytes,
		AverageFPS:          avg,
		SessionFPS:          session,
	}
	if c.count > 0 {
		cur := c.frames[(c.head+c.count-1)%c.capacity]
		st.CurrentFrameNumber = cur.Number
		st.CurrentKeyframeNumber = cur.Keyframe
	}
	return st
}
