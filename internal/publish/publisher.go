// Package publish hands session snapshots from the frame worker to the
// presentation side without ever blocking the worker.
//
// Publish stores the snapshot in a single pending slot and returns. A
// delivery goroutine (Run) passes pending snapshots to subscribers in
// sequence order. While subscribers are busy, newer snapshots replace the
// pending one; an older snapshot never follows a newer one. A pending final
// summary is never replaced: it is delivered before anything published
// after it.
package publish

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/spinspeeder/spinspeeder/internal/session"
)

// Subscriber receives delivered snapshots on the publisher's goroutine.
type Subscriber func(session.Snapshot)

// Stats counts what happened to published snapshots.
type Stats struct {
	Published uint64 // accepted by Publish
	Delivered uint64 // handed to subscribers
	Coalesced uint64 // replaced in the pending slot before delivery
	Stale     uint64 // rejected because a newer snapshot was already accepted
}

// Publisher is a latest-wins mailbox with ordered delivery.
type Publisher struct {
	notify chan struct{}

	mu      sync.Mutex
	subs    []Subscriber
	pending []session.Snapshot // at most one live snapshot, always last
	latest  session.Snapshot
	lastSeq uint64

	published atomic.Uint64
	delivered atomic.Uint64
	coalesced atomic.Uint64
	stale     atomic.Uint64
}

// New returns a Publisher with no subscribers.
func New() *Publisher {
	return &Publisher{notify: make(chan struct{}, 1)}
}

// Subscribe adds fn to the delivery list.
func (p *Publisher) Subscribe(fn Subscriber) {
	p.mu.Lock()
	p.subs = append(p.subs, fn)
	p.mu.Unlock()
}

// Publish offers s for delivery. It never blocks on subscribers. Snapshots
// whose Seq is not newer than the last accepted one are discarded.
func (p *Publisher) Publish(s session.Snapshot) {
	p.mu.Lock()
	if s.Seq <= p.lastSeq {
		p.mu.Unlock()
		p.stale.Add(1)
		return
	}
	if n := len(p.pending); n > 0 && !p.pending[n-1].Final() {
		p.pending[n-1] = s
		p.coalesced.Add(1)
	} else {
		p.pending = append(p.pending, s)
	}
	p.latest = s
	p.lastSeq = s.Seq
	p.mu.Unlock()

	p.published.Add(1)
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Latest returns the newest accepted snapshot, delivered or not.
func (p *Publisher) Latest() (session.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.lastSeq > 0
}

// Stats returns the delivery counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Delivered: p.delivered.Load(),
		Coalesced: p.coalesced.Load(),
		Stale:     p.stale.Load(),
	}
}

// Run delivers pending snapshots until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.notify:
			batch, subs := p.take()
			for _, s := range batch {
				p.deliver(s, subs)
			}
		}
	}
}

func (p *Publisher) take() ([]session.Snapshot, []Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.pending
	p.pending = nil
	return batch, p.subs
}

func (p *Publisher) deliver(s session.Snapshot, subs []Subscriber) {
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("publish: subscriber panic",
						"session", s.SessionID, "seq", s.Seq,
						"error", r, "stack", string(debug.Stack()))
				}
			}()
			fn(s)
		}()
	}
	p.delivered.Add(1)
}
