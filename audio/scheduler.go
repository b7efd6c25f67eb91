package audio

import (
	"errors"
	"sync"
	"time"

	metrics "github.com/voicewire/turnbridge/metrics/prometheus"
)

// ErrSchedulerClosed is returned when enqueueing after Close.
var ErrSchedulerClosed = errors.New("audio scheduler closed")

// Buffer is one scheduled fragment of response audio.
type Buffer struct {
	// Samples are unit-range floats, clamped to [-1, 1].
	Samples []float32

	// PlayTime is the scheduled start on the output clock.
	PlayTime time.Time

	// Duration is the playback length of Samples.
	Duration time.Duration
}

// PlayFunc receives a buffer when its scheduled start time arrives.
type PlayFunc func(buffer Buffer)

// SchedulerConfig configures a playback Scheduler.
type SchedulerConfig struct {
	// SampleRate of the incoming PCM16 fragments.
	// Default: SampleRate24kHz
	SampleRate int

	// OnPlay is invoked at each buffer's scheduled start.
	// If nil, buffers are scheduled and then discarded.
	OnPlay PlayFunc

	// Clock supplies the output clock. Default: time.Now
	Clock func() time.Time

	// SkipTiming delivers buffers immediately without waiting for
	// their start time. Useful for offline drains and tests.
	SkipTiming bool
}

// Scheduler plays response audio gaplessly: each fragment is stamped
// with a start time of max(cursor, now), the cursor advances by exactly
// the fragment's duration, and fragments are delivered strictly in
// arrival order. There is no overlap and no artificial padding.
type Scheduler struct {
	sampleRate int
	onPlay     PlayFunc
	clock      func() time.Time
	skipTiming bool

	mu           sync.Mutex
	queue        []Buffer
	nextPlayTime time.Time
	generation   uint64
	closed       bool

	wake chan struct{}
	done chan struct{}
}

// NewScheduler creates a Scheduler and starts its delivery loop.
func NewScheduler(config SchedulerConfig) *Scheduler {
	if config.SampleRate <= 0 {
		config.SampleRate = SampleRate24kHz
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	s := &Scheduler{
		sampleRate: config.SampleRate,
		onPlay:     config.OnPlay,
		clock:      config.Clock,
		skipTiming: config.SkipTiming,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go s.deliveryLoop()
	return s
}

// Enqueue decodes a PCM16 fragment, stamps its start time, and queues
// it for playback. The cursor initializes to the output clock on the
// first fragment; a fragment arriving after the timeline ran dry starts
// immediately instead of in the past. Empty fragments are ignored.
func (s *Scheduler) Enqueue(pcm []byte) error {
	samples, err := DecodeSamples(pcm)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}
	duration := PCMDuration(len(pcm), s.sampleRate)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}

	now := s.clock()
	if s.nextPlayTime.IsZero() {
		s.nextPlayTime = now
	}
	playTime := s.nextPlayTime
	if now.After(playTime) {
		playTime = now
	}
	s.nextPlayTime = playTime.Add(duration)

	s.queue = append(s.queue, Buffer{
		Samples:  samples,
		PlayTime: playTime,
		Duration: duration,
	})
	s.mu.Unlock()

	metrics.RecordAudioBytes(metrics.DirectionOut, len(pcm))
	s.signalWake()
	return nil
}

// Flush drops all pending buffers and resets the cursor. The next
// fragment starts a fresh timeline at the current clock. Used on
// barge-in, where queued assistant audio must never reach the speaker.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	s.queue = nil
	s.nextPlayTime = time.Time{}
	s.generation++
	s.mu.Unlock()
	s.signalWake()
}

// Close clears the queue, resets the cursor, and stops the delivery
// loop. Pending buffers are not played. Close is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.nextPlayTime = time.Time{}
	s.mu.Unlock()
	s.signalWake()
}

// Wait blocks until the delivery loop has exited.
func (s *Scheduler) Wait() {
	<-s.done
}

// Pending returns the number of buffers awaiting delivery.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// NextPlayTime returns the cursor: when the next fragment would start
// if it arrived now. Zero before the first fragment and after a flush.
func (s *Scheduler) NextPlayTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPlayTime
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliveryLoop hands queued buffers to OnPlay at their scheduled start.
// The head stays queued while waiting so a flush can still discard it.
func (s *Scheduler) deliveryLoop() {
	defer close(s.done)

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			<-s.wake
			continue
		}
		buffer := s.queue[0]
		generation := s.generation
		s.mu.Unlock()

		if !s.skipTiming {
			if wait := buffer.PlayTime.Sub(s.clock()); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-s.wake:
					// Queue changed under us; re-evaluate.
					timer.Stop()
					continue
				}
			}
		}

		s.mu.Lock()
		if s.closed || s.generation != generation || len(s.queue) == 0 {
			s.mu.Unlock()
			continue
		}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if s.onPlay != nil {
			s.onPlay(buffer)
		}
	}
}
