// Package health exposes the session state through the standard gRPC health
// service, so probes and grpc_health_probe see whether a session is running.
//
// The overall status ("") and the Service name both report SERVING while a
// session is searching or tracking, and NOT_SERVING once it is finalized or
// when there is none.
package health

import (
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/spinspeeder/spinspeeder/internal/session"
)

// Service is the health service name for the tracking session.
const Service = "spinspeeder.Session"

// Server wraps the stock gRPC health server.
type Server struct {
	hs *grpchealth.Server
}

// New returns a Server reporting NOT_SERVING until the first Update.
func New() *Server {
	s := &Server{hs: grpchealth.NewServer()}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register adds the health service to gs.
func (s *Server) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.hs)
}

// Update sets the status from snap. It is a publish.Subscriber.
func (s *Server) Update(snap session.Snapshot) {
	if snap.Final() {
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (s *Server) Shutdown() { s.hs.Shutdown() }

func (s *Server) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.hs.SetServingStatus("", st)
	s.hs.SetServingStatus(Service, st)
}
