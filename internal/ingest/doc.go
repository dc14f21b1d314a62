// Package ingest drives the per-frame work: frames arrive from a Source,
// go through the external Tracker, are adapted into measurements, folded into
// the current session and published.
//
// Pipeline runs all of that on one worker goroutine, one frame at a time.
// Sources deliver frames with Submit, which never blocks: a frame arriving
// while the worker is busy waits in a single slot, and a newer frame replaces
// it. The worker may lag behind the camera but the backlog never grows past
// one frame.
//
// Recording replays tracker output captured as JSON lines, standing in for
// both the camera and the native tracker:
//
//	{"ts": 0.033, "result": {"x": 120, "y": 80, "radius": 14, "speed": 310, "rotation": 1.2, "ballCount": 1}}
//	{"ts": 0.066, "result": {}}
package ingest
