// Package playback schedules decoded audio segments for gapless output.
//
// The scheduler owns the output clock: each enqueued segment starts exactly
// when its predecessor ends, resynchronizing against real time only when the
// output has starved. It is the only component permitted to start or stop
// audible output.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/GriffinCanCode/converse/internal/codec"
)

// SampleRate of synthesized response audio.
const SampleRate = codec.PlaybackSampleRate

// activityWindow is the number of samples averaged for the activity signal.
const activityWindow = 256

// Handle controls one scheduled segment.
type Handle interface {
	// Stop silences the segment immediately and suppresses its completion
	// callback. Safe to call more than once.
	Stop()
}

// Sink starts audible output. Play begins emitting samples at the given
// wall-clock time and invokes done exactly once when the segment finishes
// naturally (not when stopped). Implementations must never run two segments
// at overlapping times when starts are non-overlapping.
type Sink interface {
	Play(samples []float32, at time.Time, done func()) (Handle, error)
}

// segment is one in-flight playback unit.
type segment struct {
	samples []float32
	start   time.Time
	dur     time.Duration
	handle  Handle
}

// Scheduler owns the output clock and the in-flight segment set.
type Scheduler struct {
	sink Sink
	now  func() time.Time

	mu        sync.Mutex
	nextStart time.Time // zero means "resync against real time on next enqueue"
	nextID    uint64
	inflight  map[uint64]*segment
	halted    bool
}

// NewScheduler creates a scheduler driving the given sink.
func NewScheduler(sink Sink) *Scheduler {
	return &Scheduler{
		sink:     sink,
		now:      time.Now,
		inflight: make(map[uint64]*segment),
	}
}

// Enqueue schedules a decoded buffer to begin when the previous segment ends,
// or immediately if the output has starved. Advances the output clock by the
// segment duration and registers the segment as in-flight until it completes
// naturally or is flushed.
func (s *Scheduler) Enqueue(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		// Session is mid-teardown: stale audio must never restart output.
		return nil
	}

	now := s.now()
	start := now
	// Only resync forward: never rewind ahead of already-scheduled audio.
	if !s.nextStart.IsZero() && s.nextStart.After(now) {
		start = s.nextStart
	}

	dur := Duration(len(samples))
	id := s.nextID
	s.nextID++

	handle, err := s.sink.Play(samples, start, func() { s.complete(id) })
	if err != nil {
		return err
	}

	s.inflight[id] = &segment{samples: samples, start: start, dur: dur, handle: handle}
	s.nextStart = start.Add(dur)
	return nil
}

// complete deregisters a segment that finished playing naturally.
func (s *Scheduler) complete(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

// Flush immediately stops every in-flight segment, clears the set, and resets
// the output clock so the next enqueue resyncs against real time. Idempotent:
// flushing an empty scheduler is a no-op.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

func (s *Scheduler) flushLocked() {
	for _, seg := range s.inflight {
		seg.handle.Stop()
	}
	if len(s.inflight) > 0 {
		slog.Debug("playback flushed", "segments", len(s.inflight))
	}
	clear(s.inflight)
	s.nextStart = time.Time{}
}

// Halt flushes and then rejects every enqueue until Resume. The flush and
// the halt flag flip under one lock, so an enqueue racing a teardown either
// lands before the flush (and is stopped by it) or after (and is a no-op);
// no stale segment can slip through between the two.
func (s *Scheduler) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = true
	s.flushLocked()
}

// Resume re-enables scheduling for a new session.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = false
}

// InFlight returns the number of scheduled segments not yet completed.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Lead reports how far the output clock is ahead of real time. Zero when the
// queue is drained or freshly flushed.
func (s *Scheduler) Lead() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextStart.IsZero() {
		return 0
	}
	if lead := s.nextStart.Sub(s.now()); lead > 0 {
		return lead
	}
	return 0
}

// Activity returns the mean absolute amplitude of the currently playing
// segment around the present playback position, in [0, 1]. Returns 0 when
// nothing is audible. Consumed by visualization collaborators.
func (s *Scheduler) Activity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, seg := range s.inflight {
		if now.Before(seg.start) || !now.Before(seg.start.Add(seg.dur)) {
			continue
		}
		pos := int(now.Sub(seg.start).Seconds() * SampleRate)
		end := pos + activityWindow
		if end > len(seg.samples) {
			end = len(seg.samples)
		}
		if pos >= end {
			return 0
		}
		var sum float64
		for _, v := range seg.samples[pos:end] {
			if v < 0 {
				sum -= float64(v)
			} else {
				sum += float64(v)
			}
		}
		return sum / float64(end-pos)
	}
	return 0
}

// Duration converts a sample count to playback time at the output rate.
func Duration(samples int) time.Duration {
	return time.Duration(samples) * time.Second / SampleRate
}
