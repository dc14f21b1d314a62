package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ModeAPIKey enables key checking.
const ModeAPIKey = "apikey"

// Gate checks API keys.
type Gate struct {
	header string
	key    string
	on     bool
}

// ErrNoKey is returned by New when key checking is requested without a key.
var ErrNoKey = errors.New("auth: apikey mode requires a non-empty key")

// New returns a Gate. header should be lowercase; gRPC normalises metadata
// keys to lowercase and HTTP lookups are case-insensitive.
//
// In apikey mode an empty key is an error rather than an open gate.
func New(mode, header, key string) (Gate, error) {
	if mode != ModeAPIKey {
		return Gate{header: header}, nil
	}
	if key == "" {
		return Gate{}, ErrNoKey
	}
	return Gate{header: header, key: key, on: true}, nil
}

// Enabled reports whether calls are checked at all.
func (g Gate) Enabled() bool { return g.on }

func (g Gate) match(v string) bool {
	return subtle.ConstantTimeCompare([]byte(v), []byte(g.key)) == 1
}

func (g Gate) check(ctx context.Context) error {
	if !g.on {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get(g.header)
	if len(vals) == 0 || !g.match(vals[0]) {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}
	return nil
}

// UnaryInterceptor enforces the key on unary calls. A missing, empty, or
// incorrect key returns codes.Unauthenticated.
func (g Gate) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if err := g.check(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor enforces the key on streaming calls such as health Watch.
func (g Gate) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := g.check(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// Middleware enforces the key on HTTP requests, answering 401 on failure.
// Paths listed in open are always allowed.
func (g Gate) Middleware(next http.Handler, open ...string) http.Handler {
	if !g.on {
		return next
	}
	allowed := make(map[string]bool, len(open))
	for _, p := range open {
		allowed[p] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed[r.URL.Path] || g.match(r.Header.Get(g.header)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid api key"}` + "\n")) //nolint:errcheck
	})
}
