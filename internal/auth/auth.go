package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/obsidianstack/datasync/internal/config"
)

// ModeAPIKey is the only mode that enforces a key.
const ModeAPIKey = "apikey"

// Policy describes how callers authenticate.
type Policy struct {
	Mode   string
	Header string
	Key    string
}

// FromConfig resolves the key from its environment variable and the header
// name from its default.
func FromConfig(c config.ServerAuthConfig) Policy {
	return Policy{Mode: c.Mode, Header: c.EffectiveHeader(), Key: c.Key()}
}

// Enabled reports whether calls are checked at all.
func (p Policy) Enabled() bool {
	return p.Mode == ModeAPIKey && p.Key != ""
}

func (p Policy) valid(got string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(p.Key)) == 1
}

// --- gRPC -------------------------------------------------------------------

// UnaryInterceptor returns a gRPC UnaryServerInterceptor that enforces p on
// every incoming call.
func (p Policy) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := p.checkMetadata(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor is the streaming counterpart of UnaryInterceptor. It
// covers the health Watch RPC.
func (p Policy) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := p.checkMetadata(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (p Policy) checkMetadata(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	// gRPC normalises metadata keys to lowercase.
	vals := md.Get(strings.ToLower(p.Header))
	if len(vals) == 0 || !p.valid(vals[0]) {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}
	return nil
}

// --- HTTP -------------------------------------------------------------------

// Middleware wraps next so that requests without the expected key receive a
// 401 JSON error. Paths listed in open skip the check.
func (p Policy) Middleware(next http.Handler, open ...string) http.Handler {
	if !p.Enabled() {
		return next
	}
	skip := make(map[string]bool, len(open))
	for _, path := range open {
		skip[path] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skip[r.URL.Path] || p.valid(r.Header.Get(p.Header)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"}) //nolint:errcheck
	})
}
