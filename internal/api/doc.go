// Package api implements the HTTP REST API.
//
// New(Deps) returns an http.Handler that serves:
//
//	GET    /api/v1/session           current session: live view and running summary; 404 if none
//	POST   /api/v1/session           start a new session ("track again"), finalizing any running one
//	DELETE /api/v1/session           dismiss the session; returns its final summary
//	POST   /api/v1/session/finalize  end the session; returns the final summary
//	GET    /api/v1/sessions          archived summaries, newest first (?limit=N)
//	GET    /api/v1/sessions/{id}     one archived summary
//	GET    /api/v1/health            liveness plus current session status
//	GET    /metrics                  Prometheus text exposition
//
// All JSON endpoints respond with Content-Type: application/json and return
// 405 for unsupported methods. JSON types are defined in types.go.
package api
