package tracking

// FrameMeasurement is one detected moving ball in a single frame.
//
// Position and Radius are frame-pixel coordinates. Speed is pixel-distance
// per second and RotationRate radians per second; both keep the tracker's
// magnitude, display scaling happens in the presentation layer.
// DetectedObjectCount counts moving candidates, static objects excluded.
type FrameMeasurement struct {
	X                   float64
	Y                   float64
	Radius              float64
	Speed               float64
	RotationRate        float64
	DetectedObjectCount int
	Timestamp           float64 // seconds, monotonic capture clock
}

// Measurement is the adapted result of one frame: either a FrameMeasurement
// or no detection. The zero value is a no-detection at timestamp 0.
type Measurement struct {
	ts      float64
	frame   FrameMeasurement
	present bool
}

// NoDetection returns the absent variant for a frame captured at ts.
func NoDetection(ts float64) Measurement {
	return Measurement{ts: ts}
}

// Detected wraps f as a present measurement.
func Detected(f FrameMeasurement) Measurement {
	return Measurement{ts: f.Timestamp, frame: f, present: true}
}

// Frame returns the measurement and true, or a zero value and false when
// nothing was detected.
func (m Measurement) Frame() (FrameMeasurement, bool) {
	if !m.present {
		return FrameMeasurement{}, false
	}
	return m.frame, true
}

// Present reports whether a ball was detected.
func (m Measurement) Present() bool { return m.present }

// Timestamp is the capture time of the frame the measurement came from.
func (m Measurement) Timestamp() float64 { return m.ts }

// Equal reports whether m and o describe the same frame result.
func (m Measurement) Equal(o Measurement) bool { return m == o }
