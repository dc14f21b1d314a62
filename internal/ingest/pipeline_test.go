package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spinspeeder/spinspeeder/internal/session"
	"github.com/spinspeeder/spinspeeder/internal/tracking"
)

type recordingSink struct {
	mu     sync.Mutex
	got    []tracking.Measurement
	reject bool
	seq    uint64
}

func (s *recordingSink) OnMeasurement(m tracking.Measurement) (session.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return session.Snapshot{}, false
	}
	s.got = append(s.got, m)
	s.seq++
	return session.Snapshot{Seq: s.seq, Latest: m}, true
}

func (s *recordingSink) measurements() []tracking.Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tracking.Measurement(nil), s.got...)
}

type recordingPublisher struct {
	mu   sync.Mutex
	seqs []uint64
}

func (p *recordingPublisher) Publish(s session.Snapshot) {
	p.mu.Lock()
	p.seqs = append(p.seqs, s.Seq)
	p.mu.Unlock()
}

func (p *recordingPublisher) published() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.seqs...)
}

func ball(speed float64) tracking.RawResult {
	return tracking.RawResult{
		"x": 10.0, "y": 20.0, "radius": 5.0,
		"speed": speed, "rotation": 1.0, "ballCount": 1,
	}
}

func newTestPipeline(tr Tracker) (*Pipeline, *recordingSink, *recordingPublisher) {
	sink := &recordingSink{}
	pub := &recordingPublisher{}
	p := NewPipeline(tr, tracking.NewAdapter(tracking.Options{}), sink, pub)
	return p, sink, pub
}

func TestPipeline_ProcessDetectedFrame(t *testing.T) {
	p, sink, pub := newTestPipeline(TrackerFunc(func(Frame) (tracking.RawResult, error) {
		return ball(42), nil
	}))

	p.Process(Frame{Timestamp: 1.5, Seq: 1})

	got := sink.measurements()
	if len(got) != 1 {
		t.Fatalf("sink got %d measurements, want 1", len(got))
	}
	fm, ok := got[0].Frame()
	if !ok {
		t.Fatal("expected a present measurement")
	}
	if fm.Speed != 42 || fm.Timestamp != 1.5 {
		t.Errorf("measurement = %+v", fm)
	}
	if seqs := pub.published(); len(seqs) != 1 || seqs[0] != 1 {
		t.Errorf("published = %v, want [1]", seqs)
	}
	st := p.Stats()
	if st.Frames != 1 || st.Detections != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipeline_EmptyResultIsNoDetection(t *testing.T) {
	p, sink, _ := newTestPipeline(TrackerFunc(func(Frame) (tracking.RawResult, error) {
		return nil, nil
	}))

	p.Process(Frame{Timestamp: 2, Seq: 1})

	got := sink.measurements()
	if len(got) != 1 || got[0].Present() {
		t.Fatalf("got %v, want one no-detection", got)
	}
	if got[0].Timestamp() != 2 {
		t.Errorf("timestamp = %v, want 2", got[0].Timestamp())
	}
	if st := p.Stats(); st.Detections != 0 || st.Malformed != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipeline_TrackerFailureBecomesNoDetection(t *testing.T) {
	cases := map[string]Tracker{
		"error": TrackerFunc(func(Frame) (tracking.RawResult, error) {
			return ball(1), errors.New("camera unplugged")
		}),
		"panic": TrackerFunc(func(Frame) (tracking.RawResult, error) {
			panic("index out of range")
		}),
		"nil tracker": nil,
	}
	for name, tr := range cases {
		t.Run(name, func(t *testing.T) {
			p, sink, pub := newTestPipeline(tr)
			p.Process(Frame{Timestamp: 3, Seq: 1})

			got := sink.measurements()
			if len(got) != 1 || got[0].Present() {
				t.Fatalf("got %v, want one no-detection", got)
			}
			if st := p.Stats(); st.TrackerErrors != 1 || st.Frames != 1 {
				t.Errorf("stats = %+v", st)
			}
			if len(pub.published()) != 1 {
				t.Error("snapshot after tracker failure should still be published")
			}
		})
	}
}

func TestPipeline_MalformedResultCounted(t *testing.T) {
	p, sink, _ := newTestPipeline(TrackerFunc(func(Frame) (tracking.RawResult, error) {
		return tracking.RawResult{"x": "left", "ballCount": 1}, nil
	}))

	p.Process(Frame{Seq: 1})

	if got := sink.measurements(); len(got) != 1 || got[0].Present() {
		t.Fatalf("got %v, want one no-detection", got)
	}
	if st := p.Stats(); st.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", st.Malformed)
	}
}

func TestPipeline_IgnoredMeasurementNotPublished(t *testing.T) {
	p, sink, pub := newTestPipeline(TrackerFunc(func(Frame) (tracking.RawResult, error) {
		return ball(1), nil
	}))
	sink.reject = true

	p.Process(Frame{Seq: 1})

	if len(pub.published()) != 0 {
		t.Error("rejected measurement should not be published")
	}
	if st := p.Stats(); st.Ignored != 1 {
		t.Errorf("Ignored = %d, want 1", st.Ignored)
	}
}

func TestPipeline_SubmitKeepsNewestFrame(t *testing.T) {
	p, _, _ := newTestPipeline(nil)

	for i := uint64(1); i <= 5; i++ {
		p.Submit(Frame{Seq: i})
	}

	if len(p.slot) != 1 {
		t.Fatalf("slot holds %d frames, want 1", len(p.slot))
	}
	if f := <-p.slot; f.Seq != 5 {
		t.Errorf("waiting frame seq = %d, want 5", f.Seq)
	}
	if st := p.Stats(); st.Superseded != 4 {
		t.Errorf("Superseded = %d, want 4", st.Superseded)
	}
}

func TestPipeline_SubmitNeverBlocks(t *testing.T) {
	p, _, _ := newTestPipeline(nil)

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 1000; i++ {
			p.Submit(Frame{Seq: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked with no worker running")
	}
}

func TestPipeline_RunProcessesInOrder(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []uint64
	tr := TrackerFunc(func(f Frame) (tracking.RawResult, error) {
		if f.Seq == 1 {
			<-release
		}
		mu.Lock()
		seen = append(seen, f.Seq)
		mu.Unlock()
		return nil, nil
	})
	p, _, _ := newTestPipeline(tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	p.Submit(Frame{Seq: 1})
	// Wait for the worker to pick up frame 1 before queueing more.
	deadline := time.Now().Add(2 * time.Second)
	for len(p.slot) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	p.Submit(Frame{Seq: 2})
	p.Submit(Frame{Seq: 3})
	close(release)

	deadline = time.Now().Add(2 * time.Second)
	for p.Stats().Frames < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 3 {
		t.Errorf("processed %v, want [1 3]", seen)
	}
}

func TestPipeline_FlushWaitsForPendingFrames(t *testing.T) {
	release := make(chan struct{})
	tr := TrackerFunc(func(f Frame) (tracking.RawResult, error) {
		if f.Seq == 1 {
			<-release
		}
		return ball(float64(f.Seq) * 100), nil
	})
	p, sink, _ := newTestPipeline(tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Submit(Frame{Seq: 1})
	deadline := time.Now().Add(2 * time.Second)
	for len(p.slot) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	p.Submit(Frame{Seq: 2})

	flushed := make(chan error, 1)
	go func() { flushed <- p.Flush(ctx) }()

	select {
	case err := <-flushed:
		t.Fatalf("Flush returned %v while frame 1 was still in the tracker", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-flushed:
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Flush did not return")
	}
	if got := p.Stats().Frames; got != 2 {
		t.Errorf("Frames = %d after Flush, want 2", got)
	}
	got := sink.measurements()
	if len(got) != 2 {
		t.Fatalf("sink got %d measurements, want 2", len(got))
	}
	if fm, ok := got[1].Frame(); !ok || fm.Speed != 200 {
		t.Errorf("last measurement = %+v, want speed 200", got[1])
	}
}

func TestPipeline_FlushWithoutRunHonoursContext(t *testing.T) {
	p, _, _ := newTestPipeline(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Flush = %v, want deadline exceeded", err)
	}
}

func TestPipeline_FlushAfterReplayDeliversLastFrame(t *testing.T) {
	const lines = `{"ts": 0.00, "result": {"x": 1, "y": 1, "radius": 4, "speed": 100, "rotation": 1, "ballCount": 1}}
{"ts": 0.02, "result": {"x": 2, "y": 2, "radius": 4, "speed": 200, "rotation": 1, "ballCount": 1}}
{"ts": 0.04, "result": {"x": 3, "y": 3, "radius": 4, "speed": 900, "rotation": 1, "ballCount": 3}}
`
	rec, err := ParseRecording(strings.NewReader(lines), 50)
	if err != nil {
		t.Fatal(err)
	}
	p, sink, _ := newTestPipeline(rec.Tracker())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	if err := rec.Source(1000, false).Run(ctx, p.Submit); err != nil {
		t.Fatalf("source: %v", err)
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := sink.measurements()
	if len(got) == 0 {
		t.Fatal("no measurements reached the sink")
	}
	fm, ok := got[len(got)-1].Frame()
	if !ok || fm.Speed != 900 || fm.DetectedObjectCount != 3 {
		t.Errorf("last measurement = %+v, want speed 900 with 3 balls", got[len(got)-1])
	}
}
