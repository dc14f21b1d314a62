// Package ws pushes session views to browser clients over WebSocket.
//
// Each client gets a "live" event for every snapshot the publisher delivers
// while a session runs, and a single "final" event carrying the summary when
// the session ends. The hub also re-sends the current view every broadcast
// interval so elapsed time keeps moving while nothing is detected.
//
// Message format:
//
//	{"event": "live",  "data": {"status": "tracking", "speed": 3.4, ...}}
//	{"event": "final", "data": {"duration_seconds": 12.3, "max_speed": 5.1, ...}}
//	{"event": "idle",  "data": null}
//
// Endpoint: GET /ws  (upgraded to WebSocket by the HTTP server)
package ws
