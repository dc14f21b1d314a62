// Package tracking normalizes the output of the external ball tracker.
//
// The tracker is an opaque native routine. Each call yields either nothing
// (no ball in the frame) or a loosely typed key/value result. Adapter is the
// single place where those values are coerced into a FrameMeasurement:
//   - RawResult: the untyped map returned by the tracker
//   - FrameMeasurement: position, radius, speed, rotation rate, object count
//   - Measurement: a FrameMeasurement or an explicit "no detection"
//
// An empty result, a ballCount of zero, or a result with missing or
// wrong-typed keys all become a no-detection Measurement, never a
// zero-filled one. Malformed results additionally return an error wrapping
// ErrMalformed so the caller can log and count them; the Measurement is
// still usable.
package tracking
