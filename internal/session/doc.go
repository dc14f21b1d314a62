// Package session aggregates per-frame measurements into a tracking session.
//
// Aggregator owns one session's state: the running maxima of speed and
// rotation rate, the distinct ball count (a high-water mark of the per-frame
// object count, never a sum), frame counters, and the status
// (searching | tracking | finalized). OnMeasurement is called from the frame
// worker; Snapshot may be called from any goroutine and always returns a
// consistent copy. Finalize freezes the session; later measurements are
// ignored.
//
// Manager owns the lifecycle across sessions: Start (or restart), Finalize,
// Dismiss, and routing of measurements to whichever session is current.
// Snapshots from every session share one sequence counter so consumers can
// order them even across a restart.
package session
