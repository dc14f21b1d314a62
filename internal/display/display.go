// Package display turns session snapshots into what the user sees: speed in
// display units, status labels and the one-line messages shown while
// tracking and on the final summary.
//
// Snapshots carry the tracker's magnitudes (pixel-distance per second). The
// conversion factor to display units lives only here.
package display

import (
	"fmt"
	"sync"

	"github.com/spinspeeder/spinspeeder/internal/session"
)

const (
	DefaultSpeedFactor = 0.01
	DefaultSpeedUnit   = "m/s"
	RotationUnit       = "rad/s"
)

// Live is the instantaneous view during Searching and Tracking.
type Live struct {
	SessionID string  `json:"session_id"`
	Seq       uint64  `json:"seq"`
	Status    string  `json:"status"`
	Elapsed   float64 `json:"elapsed_seconds"`
	Detected  bool    `json:"detected"`

	X            float64 `json:"x,omitempty"`
	Y            float64 `json:"y,omitempty"`
	Radius       float64 `json:"radius,omitempty"`
	Speed        float64 `json:"speed"`
	SpeedUnit    string  `json:"speed_unit"`
	RotationRate float64 `json:"rotation_rate"`
	ObjectCount  int     `json:"object_count"`

	SpeedLabel    string `json:"speed_label"`
	RotationLabel string `json:"rotation_label"`
	Message       string `json:"message"`
}

// Final is the end-of-session summary.
type Final struct {
	SessionID         string  `json:"session_id"`
	Seq               uint64  `json:"seq"`
	Duration          float64 `json:"duration_seconds"`
	MaxSpeed          float64 `json:"max_speed"`
	SpeedUnit         string  `json:"speed_unit"`
	MaxRotationRate   float64 `json:"max_rotation_rate"`
	DistinctBallCount int     `json:"distinct_ball_count"`
	Detections        uint64  `json:"detections"`

	DurationLabel string `json:"duration_label"`
	SpeedLabel    string `json:"speed_label"`
	RotationLabel string `json:"rotation_label"`
}

// Converter renders snapshots. SetSpeedFactor may be called concurrently
// with rendering.
type Converter struct {
	mu     sync.RWMutex
	factor float64
	unit   string
}

// NewConverter returns a Converter multiplying speeds by factor. Zero values
// select the defaults.
func NewConverter(factor float64, unit string) *Converter {
	c := &Converter{}
	c.SetSpeedFactor(factor, unit)
	return c
}

// SetSpeedFactor changes the display conversion for subsequent renders.
func (c *Converter) SetSpeedFactor(factor float64, unit string) {
	if factor <= 0 {
		factor = DefaultSpeedFactor
	}
	if unit == "" {
		unit = DefaultSpeedUnit
	}
	c.mu.Lock()
	c.factor, c.unit = factor, unit
	c.mu.Unlock()
}

// SpeedFactor returns the current factor and unit.
func (c *Converter) SpeedFactor() (float64, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.factor, c.unit
}

// Live renders the instantaneous view of s.
func (c *Converter) Live(s session.Snapshot) Live {
	factor, unit := c.SpeedFactor()
	v := Live{
		SessionID: s.SessionID,
		Seq:       s.Seq,
		Status:    s.Status.String(),
		Elapsed:   s.Duration.Seconds(),
		SpeedUnit: unit,
	}
	fm, ok := s.Latest.Frame()
	if ok && !s.Final() {
		v.Detected = true
		v.X, v.Y, v.Radius = fm.X, fm.Y, fm.Radius
		v.Speed = fm.Speed * factor
		v.RotationRate = fm.RotationRate
		v.ObjectCount = fm.DetectedObjectCount
	}
	v.SpeedLabel = fmt.Sprintf("%.2f %s", v.Speed, unit)
	v.RotationLabel = fmt.Sprintf("%.2f %s", v.RotationRate, RotationUnit)

	switch {
	case s.Final():
		v.Message = "session ended"
	case !v.Detected:
		v.Message = "searching for a moving ball"
	case v.ObjectCount > 1:
		v.Message = fmt.Sprintf("%d moving balls, primary at (%.0f, %.0f) r=%.0f px",
			v.ObjectCount, v.X, v.Y, v.Radius)
	default:
		v.Message = fmt.Sprintf("ball at (%.0f, %.0f) r=%.0f px", v.X, v.Y, v.Radius)
	}
	return v
}

// Final renders the summary of s. It may be called on a live snapshot to
// preview the running maxima.
func (c *Converter) Final(s session.Snapshot) Final {
	factor, unit := c.SpeedFactor()
	f := Final{
		SessionID:         s.SessionID,
		Seq:               s.Seq,
		Duration:          s.Duration.Seconds(),
		MaxSpeed:          s.MaxSpeed * factor,
		SpeedUnit:         unit,
		MaxRotationRate:   s.MaxRotationRate,
		DistinctBallCount: s.DistinctBallCount,
		Detections:        s.Detections,
	}
	f.DurationLabel = fmt.Sprintf("%.1f s", f.Duration)
	f.SpeedLabel = fmt.Sprintf("%.2f %s", f.MaxSpeed, unit)
	f.RotationLabel = fmt.Sprintf("%.2f %s", f.MaxRotationRate, RotationUnit)
	return f
}
