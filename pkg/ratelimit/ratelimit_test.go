package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/identity"
	"github.com/cloudbro-kube-ai/opshub/pkg/token"
)

func testLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "test:", zap.NewNop()), mr
}

func TestAllowEnforcesLimit(t *testing.T) {
	l, _ := testLimiter(t)
	preset := Preset{Name: "api", Window: time.Minute, Limit: 5}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if !l.Allow(ctx, preset, "ip:10.0.0.1") {
			t.Fatalf("request %d denied under limit", i+1)
		}
	}
	if l.Allow(ctx, preset, "ip:10.0.0.1") {
		t.Error("request over limit allowed")
	}
	// Other keys have their own windows.
	if !l.Allow(ctx, preset, "ip:10.0.0.2") {
		t.Error("unrelated key denied")
	}
}

func TestFailsOpenWhenStoreDown(t *testing.T) {
	l, mr := testLimiter(t)
	mr.Close()

	preset := Preset{Name: "api", Window: time.Minute, Limit: 1}
	for i := 0; i < 3; i++ {
		if !l.Allow(context.Background(), preset, "ip:10.0.0.1") {
			t.Fatal("limiter failed closed with store down")
		}
	}
}

func TestMiddlewareKeysByPrincipal(t *testing.T) {
	l, _ := testLimiter(t)
	preset := Preset{Name: "api", Window: time.Minute, Limit: 2}

	handler := l.Middleware(preset, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(userID string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
		if userID != "" {
			ctx := identity.WithPrincipal(req.Context(), &token.Principal{ID: userID, Username: userID})
			req = req.WithContext(ctx)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("u1"); code != http.StatusOK {
			t.Fatalf("request %d = %d", i+1, code)
		}
	}
	if code := send("u1"); code != http.StatusTooManyRequests {
		t.Errorf("over-limit status = %d", code)
	}
	// A different principal from the same IP gets its own budget.
	if code := send("u2"); code != http.StatusOK {
		t.Errorf("other principal status = %d", code)
	}
}

func TestLoginMiddlewareMentionsWindow(t *testing.T) {
	l, _ := testLimiter(t)

	handler := l.LoginMiddleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < LoginGuard.Limit+1; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
}
