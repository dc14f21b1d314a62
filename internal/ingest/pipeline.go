package ingest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"

	"github.com/spinspeeder/spinspeeder/internal/session"
	"github.com/spinspeeder/spinspeeder/internal/tracking"
)

// Frame is one captured image and its capture time.
type Frame struct {
	Image     image.Image // may be nil when replaying recorded tracker output
	Timestamp float64     // seconds, monotonic
	Seq       uint64      // 1-based delivery order
}

// Tracker is the external detection routine.
type Tracker interface {
	Process(f Frame) (tracking.RawResult, error)
}

// TrackerFunc adapts a function to the Tracker interface.
type TrackerFunc func(f Frame) (tracking.RawResult, error)

// Process calls fn(f).
func (fn TrackerFunc) Process(f Frame) (tracking.RawResult, error) { return fn(f) }

// Source delivers frames until ctx is cancelled or it runs out.
type Source interface {
	Run(ctx context.Context, deliver func(Frame)) error
}

// Sink receives adapted measurements. session.Manager implements it.
type Sink interface {
	OnMeasurement(m tracking.Measurement) (session.Snapshot, bool)
}

// Publisher receives snapshots after every accepted measurement.
type Publisher interface {
	Publish(s session.Snapshot)
}

// Stats are the pipeline's frame counters.
type Stats struct {
	Frames        uint64 // frames processed
	Detections    uint64 // frames with a present measurement
	Malformed     uint64 // tracker results that could not be adapted
	TrackerErrors uint64 // tracker calls that failed or panicked
	Superseded    uint64 // waiting frames replaced by a newer one
	Ignored       uint64 // measurements the sink did not accept
}

// Pipeline processes frames on a single worker.
type Pipeline struct {
	tracker Tracker
	adapter *tracking.Adapter
	sink    Sink
	pub     Publisher
	slot    chan Frame
	flush   chan chan struct{}

	frames        atomic.Uint64
	detections    atomic.Uint64
	malformed     atomic.Uint64
	trackerErrors atomic.Uint64
	superseded    atomic.Uint64
	ignored       atomic.Uint64
}

// NewPipeline wires tracker output through adapter into sink, publishing
// each resulting snapshot to pub.
func NewPipeline(tracker Tracker, adapter *tracking.Adapter, sink Sink, pub Publisher) *Pipeline {
	return &Pipeline{
		tracker: tracker,
		adapter: adapter,
		sink:    sink,
		pub:     pub,
		slot:    make(chan Frame, 1),
		flush:   make(chan chan struct{}),
	}
}

// Submit hands f to the worker without blocking. If a frame is already
// waiting it is replaced.
func (p *Pipeline) Submit(f Frame) {
	select {
	case p.slot <- f:
		return
	default:
	}
	select {
	case <-p.slot:
		p.superseded.Add(1)
	default:
	}
	select {
	case p.slot <- f:
	default:
		// Another producer refilled the slot first; keep its frame.
		p.superseded.Add(1)
	}
}

// Run processes submitted frames until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-p.slot:
			p.Process(f)
		case done := <-p.flush:
			select {
			case f := <-p.slot:
				p.Process(f)
			default:
			}
			close(done)
		}
	}
}

// Flush returns once the frame in flight and the waiting frame, if any, have
// been processed. It needs Run to be active and gives up when ctx is done.
func (p *Pipeline) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.flush <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs one frame through tracker, adapter, sink and publisher on
// the calling goroutine.
func (p *Pipeline) Process(f Frame) {
	meas := p.measure(f)
	p.frames.Add(1)
	if meas.Present() {
		p.detections.Add(1)
	}

	snap, ok := p.sink.OnMeasurement(meas)
	if !ok {
		p.ignored.Add(1)
		return
	}
	if p.pub != nil {
		p.pub.Publish(snap)
	}
}

func (p *Pipeline) measure(f Frame) tracking.Measurement {
	raw, err := p.track(f)
	if err != nil {
		p.trackerErrors.Add(1)
		slog.Warn("ingest: tracker failed", "seq", f.Seq, "ts", f.Timestamp, "err", err)
		return tracking.NoDetection(f.Timestamp)
	}
	meas, err := p.adapter.Adapt(raw, f.Timestamp)
	if err != nil {
		p.malformed.Add(1)
		slog.Debug("ingest: malformed tracker result", "seq", f.Seq, "err", err)
	}
	return meas
}

// track calls the tracker, converting a panic into an error.
func (p *Pipeline) track(f Frame) (raw tracking.RawResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			raw = nil
			err = fmt.Errorf("tracker panic: %v", r)
		}
	}()
	if p.tracker == nil {
		return nil, errors.New("no tracker configured")
	}
	return p.tracker.Process(f)
}

// Stats returns the frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:        p.frames.Load(),
		Detections:    p.detections.Load(),
		Malformed:     p.malformed.Load(),
		TrackerErrors: p.trackerErrors.Load(),
		Superseded:    p.superseded.Load(),
		Ignored:       p.ignored.Load(),
	}
}
