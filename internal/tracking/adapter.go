package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Keys the tracker uses in its result map.
const (
	KeyX         = "x"
	KeyY         = "y"
	KeyRadius    = "radius"
	KeySpeed     = "speed"
	KeyRotation  = "rotation"
	KeyBallCount = "ballCount"
)

// DefaultFrameRate is the nominal capture rate used when converting
// per-frame tracker output.
const DefaultFrameRate = 30.0

// ErrMalformed is wrapped by every error Adapt returns.
var ErrMalformed = errors.New("tracking: malformed result")

// RawResult is the untyped key/value result of one tracker call.
// A nil or empty map means nothing was detected.
type RawResult map[string]any

// Options configures unit handling in the Adapter.
type Options struct {
	// SpeedPerFrame marks tracker speed and rotation values as per-frame.
	// They are multiplied by FrameRate to get per-second values.
	SpeedPerFrame bool

	// FrameRate is the nominal frames per second. Zero means DefaultFrameRate.
	FrameRate float64
}

// Adapter converts RawResults into Measurements. It holds no mutable state
// and is safe for concurrent use.
type Adapter struct {
	scale float64
}

// NewAdapter returns an Adapter for the given options.
func NewAdapter(opts Options) *Adapter {
	scale := 1.0
	if opts.SpeedPerFrame {
		scale = opts.FrameRate
		if scale <= 0 {
			scale = DefaultFrameRate
		}
	}
	return &Adapter{scale: scale}
}

// Adapt normalizes raw, captured at ts, into a Measurement.
//
// The positional fields are taken as-is: when the tracker reports several
// moving balls, x/y/radius already describe the one it picked as primary and
// ballCount carries the total. A non-nil error always comes with a usable
// no-detection Measurement.
func (a *Adapter) Adapt(raw RawResult, ts float64) (Measurement, error) {
	if len(raw) == 0 {
		return NoDetection(ts), nil
	}

	count, err := countField(raw, KeyBallCount)
	if err != nil {
		return NoDetection(ts), err
	}
	if count == 0 {
		return NoDetection(ts), nil
	}

	var f FrameMeasurement
	fields := []struct {
		key string
		dst *float64
	}{
		{KeyX, &f.X},
		{KeyY, &f.Y},
		{KeyRadius, &f.Radius},
		{KeySpeed, &f.Speed},
		{KeyRotation, &f.RotationRate},
	}
	for _, fl := range fields {
		v, err := floatField(raw, fl.key)
		if err != nil {
			return NoDetection(ts), err
		}
		*fl.dst = v
	}

	f.Speed *= a.scale
	f.RotationRate *= a.scale
	f.DetectedObjectCount = count
	f.Timestamp = ts
	return Detected(f), nil
}

func floatField(raw RawResult, key string) (float64, error) {
	v, ok := raw[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrMalformed, key)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: %q has type %T", ErrMalformed, key, v)
	}
	return f, nil
}

func countField(raw RawResult, key string) (int, error) {
	f, err := floatField(raw, key)
	if err != nil {
		return 0, err
	}
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %q is not a count: %v", ErrMalformed, key, f)
	}
	return int(f), nil
}

// toFloat accepts any Go numeric type or json.Number. NaN and infinities are
// rejected.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
