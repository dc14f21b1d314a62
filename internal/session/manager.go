package session

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/spinspeeder/spinspeeder/internal/tracking"
)

// ErrNoSession is returned when no session is active.
var ErrNoSession = errors.New("session: no active session")

// FinalizeHook is called once for every session that becomes finalized.
// Hooks run while the Manager holds its lock and must not call back into it.
type FinalizeHook func(Snapshot)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock sets the clock handed to every session.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the random session ID generator.
func WithIDGenerator(fn func() string) ManagerOption {
	return func(m *Manager) { m.newID = fn }
}

// WithFinalizeHook registers fn to receive final summaries.
func WithFinalizeHook(fn FinalizeHook) ManagerOption {
	return func(m *Manager) { m.hooks = append(m.hooks, fn) }
}

// Manager owns the current session and routes measurements to it.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	now   func() time.Time
	newID func() string
	hooks []FinalizeHook
	seq   atomic.Uint64

	mu      sync.RWMutex
	current *Aggregator

	dropped atomic.Uint64
}

// NewManager returns a Manager with no active session.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{now: time.Now, newID: uuid.NewString}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start begins a new session and returns its first snapshot. A session that
// is still running is finalized first, so its summary is ordered before the
// new session's snapshots.
func (m *Manager) Start() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.finalizeLocked(m.current)
	}
	agg := NewAggregator(m.newID(), WithClock(m.now), WithSequence(&m.seq))
	m.current = agg
	slog.Info("session: started", "session", agg.ID())
	return agg.Snapshot()
}

// Restart is Start, named for the "track again" action on a final summary.
func (m *Manager) Restart() Snapshot { return m.Start() }

// Current returns the active session, or nil.
func (m *Manager) Current() *Aggregator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnMeasurement routes meas to the active session. It reports false when
// there is no session or the session is already finalized.
func (m *Manager) OnMeasurement(meas tracking.Measurement) (Snapshot, bool) {
	agg := m.Current()
	if agg == nil {
		m.dropped.Add(1)
		return Snapshot{}, false
	}
	return agg.OnMeasurement(meas)
}

// Snapshot returns a copy of the active session's state.
func (m *Manager) Snapshot() (Snapshot, error) {
	agg := m.Current()
	if agg == nil {
		return Snapshot{}, ErrNoSession
	}
	return agg.Snapshot(), nil
}

// Finalize ends the active session and returns its summary. The session
// stays current, so the summary remains readable until Dismiss or Start.
func (m *Manager) Finalize() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Snapshot{}, ErrNoSession
	}
	return m.finalizeLocked(m.current), nil
}

// Dismiss finalizes the active session if needed and discards it.
func (m *Manager) Dismiss() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg := m.current
	if agg == nil {
		return Snapshot{}, ErrNoSession
	}
	m.current = nil
	final := m.finalizeLocked(agg)
	slog.Info("session: dismissed", "session", final.SessionID)
	return final, nil
}

// finalizeLocked ends agg and fires the hooks the first time. Hooks run with
// m.mu held, so no snapshot of a later session can be handed out before
// they return.
func (m *Manager) finalizeLocked(agg *Aggregator) Snapshot {
	final, ended := agg.finalize()
	if !ended {
		return final
	}
	for _, h := range m.hooks {
		h(final)
	}
	slog.Info("session: finalized",
		"session", final.SessionID,
		"duration", final.Duration,
		"max_speed", final.MaxSpeed,
		"max_rotation", final.MaxRotationRate,
		"balls", final.DistinctBallCount,
	)
	return final
}

// Dropped returns how many measurements arrived with no session active.
func (m *Manager) Dropped() uint64 { return m.dropped.Load() }
