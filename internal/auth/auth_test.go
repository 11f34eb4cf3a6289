package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/obsidianstack/datasync/internal/config"
)

// passHandler is a grpc.UnaryHandler that returns ("ok", nil).
func passHandler(ctx context.Context, req any) (any, error) {
	return "ok", nil
}

func callWithKey(t *testing.T, p Policy, header, key string) (any, error) {
	t.Helper()
	ctx := context.Background()
	if key != "" {
		ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(header, key))
	}
	return p.UnaryInterceptor()(ctx, nil, &grpc.UnaryServerInfo{}, passHandler)
}

func secret() Policy {
	return Policy{Mode: ModeAPIKey, Header: "X-API-Key", Key: "supersecret"}
}

// --- gRPC -------------------------------------------------------------------

func TestUnary_ModeNone_PassesThrough(t *testing.T) {
	p := Policy{Mode: "none", Header: "x-api-key", Key: "secret"}
	res, err := p.UnaryInterceptor()(context.Background(), nil, &grpc.UnaryServerInfo{}, passHandler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != "ok" {
		t.Errorf("result: got %v, want ok", res)
	}
}

func TestUnary_EmptyKey_PassesThrough(t *testing.T) {
	p := Policy{Mode: ModeAPIKey, Header: "x-api-key"}
	if p.Enabled() {
		t.Fatal("policy without key should be disabled")
	}
	if _, err := p.UnaryInterceptor()(context.Background(), nil, &grpc.UnaryServerInfo{}, passHandler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUnary_CorrectKey_Passes(t *testing.T) {
	res, err := callWithKey(t, secret(), "x-api-key", "supersecret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != "ok" {
		t.Errorf("result: got %v, want ok", res)
	}
}

func TestUnary_Rejections(t *testing.T) {
	cases := []struct {
		name string
		ctx  context.Context
	}{
		{"wrong key", metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "wrong"))},
		{"missing header", metadata.NewIncomingContext(context.Background(), metadata.MD{})},
		{"no metadata", context.Background()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := secret().UnaryInterceptor()(tc.ctx, nil, &grpc.UnaryServerInfo{}, passHandler)
			if code := status.Code(err); code != codes.Unauthenticated {
				t.Errorf("code: got %v, want Unauthenticated", code)
			}
		})
	}
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s fakeStream) Context() context.Context { return s.ctx }

func TestStream(t *testing.T) {
	called := false
	handler := func(any, grpc.ServerStream) error { called = true; return nil }
	i := secret().StreamInterceptor()

	err := i(nil, fakeStream{ctx: context.Background()}, &grpc.StreamServerInfo{}, handler)
	if status.Code(err) != codes.Unauthenticated || called {
		t.Fatalf("without key: err=%v called=%v", err, called)
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "supersecret"))
	if err := i(nil, fakeStream{ctx: ctx}, &grpc.StreamServerInfo{}, handler); err != nil || !called {
		t.Fatalf("with key: err=%v called=%v", err, called)
	}
}

// --- HTTP -------------------------------------------------------------------

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware(t *testing.T) {
	h := secret().Middleware(okHandler(), "/metrics")

	cases := []struct {
		name string
		path string
		key  string
		want int
	}{
		{"correct key", "/api/v1/widgets", "supersecret", http.StatusOK},
		{"wrong key", "/api/v1/widgets", "nope", http.StatusUnauthorized},
		{"missing key", "/api/v1/widgets", "", http.StatusUnauthorized},
		{"open path", "/metrics", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.key != "" {
				req.Header.Set("x-api-key", tc.key)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Errorf("status: got %d, want %d", rr.Code, tc.want)
			}
		})
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	h := Policy{Mode: "none"}.Middleware(okHandler())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/widgets", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", rr.Code)
	}
}

func TestFromConfig(t *testing.T) {
	t.Setenv("DATASYNC_TEST_KEY", "k1")
	p := FromConfig(config.ServerAuthConfig{Mode: ModeAPIKey, KeyEnv: "DATASYNC_TEST_KEY"})
	if p.Key != "k1" || p.Header != config.DefaultAPIKeyHeader || !p.Enabled() {
		t.Errorf("policy: got %+v", p)
	}
}
