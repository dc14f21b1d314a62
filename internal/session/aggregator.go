package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/spinspeeder/spinspeeder/internal/tracking"
)

// Status is the session state shown to the user.
type Status int

const (
	StatusSearching Status = iota
	StatusTracking
	StatusFinalized
)

func (s Status) String() string {
	switch s {
	case StatusSearching:
		return "searching"
	case StatusTracking:
		return "tracking"
	case StatusFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable point-in-time copy of a session.
type Snapshot struct {
	SessionID string
	Seq       uint64 // increases with every state change, across sessions
	Status    Status
	StartedAt time.Time
	Duration  time.Duration // elapsed at snapshot time; frozen once finalized

	MaxSpeed          float64 // pixel-distance per second
	MaxRotationRate   float64 // radians per second
	DistinctBallCount int

	Frames     uint64 // measurements received, present or absent
	Detections uint64 // present measurements received

	// Latest is the most recent measurement, for the live display.
	Latest tracking.Measurement
}

// Final reports whether the snapshot is the frozen end-of-session summary.
func (s Snapshot) Final() bool { return s.Status == StatusFinalized }

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock replaces time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithSequence makes the aggregator draw snapshot sequence numbers from seq,
// shared with other aggregators.
func WithSequence(seq *atomic.Uint64) Option {
	return func(a *Aggregator) { a.seq = seq }
}

// Aggregator holds the state of one session.
//
// All exported methods are safe for concurrent use.
type Aggregator struct {
	id    string
	start time.Time
	now   func() time.Time
	seq   *atomic.Uint64

	mu          sync.Mutex
	status      Status
	lastSeq     uint64
	maxSpeed    float64
	maxRotation float64
	balls       int
	frames      uint64
	detections  uint64
	latest      tracking.Measurement
	finalDur    time.Duration
}

// NewAggregator starts a session with the given id. The start time is taken
// from the clock at construction.
func NewAggregator(id string, opts ...Option) *Aggregator {
	a := &Aggregator{id: id, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	if a.seq == nil {
		a.seq = new(atomic.Uint64)
	}
	a.start = a.now()
	a.status = StatusSearching
	a.lastSeq = a.seq.Add(1)
	return a
}

// ID returns the session identifier.
func (a *Aggregator) ID() string { return a.id }

// OnMeasurement folds one frame's result into the session and returns the
// resulting snapshot. It reports false, leaving state untouched, once the
// session is finalized.
func (a *Aggregator) OnMeasurement(m tracking.Measurement) (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status == StatusFinalized {
		return a.snapshotLocked(), false
	}

	a.frames++
	a.latest = m
	f, ok := m.Frame()
	if !ok {
		a.status = StatusSearching
	} else {
		a.status = StatusTracking
		a.detections++
		if f.Speed > a.maxSpeed {
			a.maxSpeed = f.Speed
		}
		if f.RotationRate > a.maxRotation {
			a.maxRotation = f.RotationRate
		}
		if f.DetectedObjectCount > a.balls {
			a.balls = f.DetectedObjectCount
		}
	}
	a.lastSeq = a.seq.Add(1)
	return a.snapshotLocked(), true
}

// Snapshot returns a consistent copy of the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Finalize ends the session and returns the frozen summary. Calling it again
// returns the same summary.
func (a *Aggregator) Finalize() Snapshot {
	s, _ := a.finalize()
	return s
}

// finalize reports true only for the call that performed the transition.
func (a *Aggregator) finalize() (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status == StatusFinalized {
		return a.snapshotLocked(), false
	}
	a.status = StatusFinalized
	a.finalDur = a.now().Sub(a.start)
	if a.finalDur < 0 {
		a.finalDur = 0
	}
	a.lastSeq = a.seq.Add(1)
	return a.snapshotLocked(), true
}

// Finalized reports whether the session has ended.
func (a *Aggregator) Finalized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status == StatusFinalized
}

func (a *Aggregator) snapshotLocked() Snapshot {
	dur := a.finalDur
	if a.status != StatusFinalized {
		dur = a.now().Sub(a.start)
		if dur < 0 {
			dur = 0
		}
	}
	return Snapshot{
		SessionID:         a.id,
		Seq:               a.lastSeq,
		Status:            a.status,
		StartedAt:         a.start,
		Duration:          dur,
		MaxSpeed:          a.maxSpeed,
		MaxRotationRate:   a.maxRotation,
		DistinctBallCount: a.balls,
		Frames:            a.frames,
		Detections:        a.detections,
		Latest:            a.latest,
	}
}
