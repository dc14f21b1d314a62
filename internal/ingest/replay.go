package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tidwall/gjson"

	"github.com/spinspeeder/spinspeeder/internal/tracking"
)

// maxLineSize bounds a single recorded line.
const maxLineSize = 1 << 20

// Entry is one recorded frame.
type Entry struct {
	Timestamp float64
	Result    tracking.RawResult // nil when the tracker found nothing
	Err       error              // set when the recorded result was not an object
}

// Recording is tracker output captured frame by frame.
type Recording struct {
	entries []Entry
}

// LoadRecording reads a JSON-lines recording from path.
func LoadRecording(path string, frameRate float64) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open recording: %w", err)
	}
	defer f.Close()
	return ParseRecording(f, frameRate)
}

// ParseRecording reads one JSON object per line. Blank lines and lines
// starting with '#' are skipped. A line without "ts" is stamped one frame
// interval after the previous line.
func ParseRecording(r io.Reader, frameRate float64) (*Recording, error) {
	if frameRate <= 0 {
		frameRate = tracking.DefaultFrameRate
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)

	rec := &Recording{}
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if !gjson.ValidBytes(line) {
			return nil, fmt.Errorf("ingest: recording line %d: invalid json", lineNo)
		}
		doc := gjson.ParseBytes(line)

		var e Entry
		if n := len(rec.entries); n > 0 {
			e.Timestamp = rec.entries[n-1].Timestamp + 1/frameRate
		}
		if ts := doc.Get("ts"); ts.Exists() {
			if ts.Type != gjson.Number {
				return nil, fmt.Errorf("ingest: recording line %d: ts is not a number", lineNo)
			}
			e.Timestamp = ts.Float()
		}

		res := doc.Get("result")
		switch {
		case !res.Exists(), res.Type == gjson.Null:
		case res.IsObject():
			if m, ok := res.Value().(map[string]interface{}); ok && len(m) > 0 {
				e.Result = tracking.RawResult(m)
			}
		default:
			e.Err = fmt.Errorf("recorded result is %s, not an object", res.Type)
		}
		rec.entries = append(rec.entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ingest: read recording: %w", err)
	}
	return rec, nil
}

// Len returns the number of recorded frames.
func (r *Recording) Len() int { return len(r.entries) }

// Entry returns the i-th recorded frame.
func (r *Recording) Entry(i int) Entry { return r.entries[i] }

// Tracker returns a Tracker that answers frame n with the n-th recorded
// result, wrapping around when the source loops.
func (r *Recording) Tracker() Tracker {
	return TrackerFunc(func(f Frame) (tracking.RawResult, error) {
		if len(r.entries) == 0 || f.Seq == 0 {
			return nil, nil
		}
		e := r.entries[int((f.Seq-1)%uint64(len(r.entries)))]
		if e.Err != nil {
			return nil, e.Err
		}
		return e.Result, nil
	})
}

// Source returns a Source that delivers one frame per recorded entry at
// frameRate. With loop set it starts over at the end, shifting timestamps so
// they keep increasing.
func (r *Recording) Source(frameRate float64, loop bool) Source {
	if frameRate <= 0 {
		frameRate = tracking.DefaultFrameRate
	}
	return &replaySource{rec: r, interval: time.Duration(float64(time.Second) / frameRate), loop: loop}
}

type replaySource struct {
	rec      *Recording
	interval time.Duration
	loop     bool
}

func (s *replaySource) Run(ctx context.Context, deliver func(Frame)) error {
	n := len(s.rec.entries)
	if n == 0 {
		return nil
	}
	t := time.NewTicker(s.interval)
	defer t.Stop()

	// Each pass is shifted by the recording span plus one frame interval.
	span := s.rec.entries[n-1].Timestamp - s.rec.entries[0].Timestamp + s.interval.Seconds()

	var seq uint64
	for pass := 0; ; pass++ {
		for i := 0; i < n; i++ {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
			seq++
			deliver(Frame{
				Timestamp: s.rec.entries[i].Timestamp + float64(pass)*span,
				Seq:       seq,
			})
		}
		if !s.loop {
			return nil
		}
	}
}
