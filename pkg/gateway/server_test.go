package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cloudbro-kube-ai/opshub/pkg/config"
	"github.com/cloudbro-kube-ai/opshub/pkg/health"
	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
	"github.com/cloudbro-kube-ai/opshub/pkg/identity"
	"github.com/cloudbro-kube-ai/opshub/pkg/logging"
	"github.com/cloudbro-kube-ai/opshub/pkg/proxy"
	"github.com/cloudbro-kube-ai/opshub/pkg/ratelimit"
	"github.com/cloudbro-kube-ai/opshub/pkg/realtime"
	"github.com/cloudbro-kube-ai/opshub/pkg/session"
	"github.com/cloudbro-kube-ai/opshub/pkg/token"
)

type fakeDirectory struct {
	users map[string]*token.Principal // username -> principal
	pass  map[string]string           // username -> password
}

func (d *fakeDirectory) VerifyCredentials(_ context.Context, username, password string) (*token.Principal, error) {
	p, ok := d.users[username]
	if !ok || d.pass[username] != password {
		return nil, fmt.Errorf("bad credentials")
	}
	cp := *p
	return &cp, nil
}

func (d *fakeDirectory) GetUser(_ context.Context, id string) (*token.Principal, error) {
	for _, p := range d.users {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("unknown user %s", id)
}

func testServer(t *testing.T, upstreams map[string]string) (*Server, *fakeDirectory) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	log := logging.NewNop()

	dir := &fakeDirectory{
		users: map[string]*token.Principal{
			"alice": {ID: "u1", Username: "alice", Role: token.RoleAdministrator, Email: "alice@example.com", IsActive: true},
		},
		pass: map[string]string{"alice": "Secret123"},
	}

	tokens, err := token.NewService(token.Config{
		AccessSecret:  []byte("access-secret-0123456789abcdefgh"),
		RefreshSecret: []byte("refresh-secret-0123456789abcdefg"),
		AccessExpires: time.Hour,
	}, dir, session.New(rdb, "test:"), log)
	if err != nil {
		t.Fatal(err)
	}

	px, err := proxy.New(upstreams, log)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.GatewayConfig{}
	cfg.RateLimit.Window = time.Minute
	cfg.RateLimit.MaxRequests = 100

	hub := realtime.NewHub(log)
	t.Cleanup(func() { hub.Shutdown(context.Background()) })

	return NewServer(cfg, tokens, ratelimit.New(rdb, "test:", log), px, hub, health.New(), log), dir
}

func postJSON(t *testing.T, h http.Handler, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestLoginVerifyLogout(t *testing.T) {
	srv, _ := testServer(t, nil)
	router := srv.Router()

	w := postJSON(t, router, "/api/v1/auth/login",
		map[string]string{"username": "alice", "password": "Secret123"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	var login struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
		TokenType    string `json:"tokenType"`
		User         struct {
			Username string `json:"username"`
			Role     string `json:"role"`
		} `json:"user"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &login); err != nil {
		t.Fatal(err)
	}
	if login.AccessToken == "" || login.RefreshToken == "" {
		t.Fatal("login response missing credentials")
	}
	if login.TokenType != "Bearer" || login.ExpiresIn != 3600 {
		t.Errorf("tokenType=%s expiresIn=%d", login.TokenType, login.ExpiresIn)
	}
	if login.User.Role != "administrator" {
		t.Errorf("user.role = %s", login.User.Role)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	vw := httptest.NewRecorder()
	router.ServeHTTP(vw, req)
	if vw.Code != http.StatusOK {
		t.Fatalf("verify status = %d", vw.Code)
	}
	var verify struct {
		Valid bool `json:"valid"`
		User  struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	json.Unmarshal(vw.Body.Bytes(), &verify)
	if !verify.Valid || verify.User.Username != "alice" {
		t.Errorf("verify = %+v", verify)
	}

	lw := postJSON(t, router, "/api/v1/auth/logout",
		map[string]string{"refreshToken": login.RefreshToken}, login.AccessToken)
	if lw.Code != http.StatusOK {
		t.Fatalf("logout status = %d", lw.Code)
	}
	var logout struct {
		Message string `json:"message"`
	}
	json.Unmarshal(lw.Body.Bytes(), &logout)
	if logout.Message != "Successfully logged out" {
		t.Errorf("message = %q", logout.Message)
	}

	// The refresh credential is revoked; a second logout stays idempotent.
	rw := postJSON(t, router, "/api/v1/auth/refresh",
		map[string]string{"refreshToken": login.RefreshToken}, "")
	if rw.Code != http.StatusUnauthorized {
		t.Errorf("refresh after logout = %d", rw.Code)
	}
	lw2 := postJSON(t, router, "/api/v1/auth/logout",
		map[string]string{"refreshToken": login.RefreshToken}, login.AccessToken)
	if lw2.Code != http.StatusOK {
		t.Errorf("second logout = %d", lw2.Code)
	}
}

func TestRefreshIssuesNewAccess(t *testing.T) {
	srv, _ := testServer(t, nil)
	router := srv.Router()

	w := postJSON(t, router, "/api/v1/auth/login",
		map[string]string{"username": "alice", "password": "Secret123"}, "")
	var login struct {
		RefreshToken string `json:"refreshToken"`
	}
	json.Unmarshal(w.Body.Bytes(), &login)

	rw := postJSON(t, router, "/api/v1/auth/refresh",
		map[string]string{"refreshToken": login.RefreshToken}, "")
	if rw.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rw.Code, rw.Body.String())
	}
	var refresh struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"`
		TokenType   string `json:"tokenType"`
	}
	json.Unmarshal(rw.Body.Bytes(), &refresh)
	if refresh.AccessToken == "" || refresh.TokenType != "Bearer" || refresh.ExpiresIn != 3600 {
		t.Errorf("refresh = %+v", refresh)
	}
}

func authReason(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body struct {
		Err     string `json:"error"`
		Details struct {
			Reason string `json:"reason"`
		} `json:"details"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Err != "AUTHENTICATION_ERROR" {
		t.Errorf("error = %s", body.Err)
	}
	return body.Details.Reason
}

func TestAuthFailuresCarrySubReason(t *testing.T) {
	srv, dir := testServer(t, nil)
	router := srv.Router()

	// No credential at all.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/verify", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := authReason(t, w); got != httperr.ReasonMissingToken {
		t.Errorf("missing credential reason = %q", got)
	}

	// A credential that never was one.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer not-a-credential")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := authReason(t, w); got != httperr.ReasonInvalidToken {
		t.Errorf("garbled credential reason = %q", got)
	}

	// An expired access credential signed with the right secret.
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	expiredSvc, err := token.NewService(token.Config{
		AccessSecret:  []byte("access-secret-0123456789abcdefgh"),
		RefreshSecret: []byte("refresh-secret-0123456789abcdefg"),
		AccessExpires: -time.Minute,
	}, dir, session.New(rdb, "test:"), logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	result, err := expiredSvc.Login(context.Background(), "alice", "Secret123", "127.0.0.1", "test")
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer "+result.AccessToken)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := authReason(t, w); got != httperr.ReasonTokenExpired {
		t.Errorf("expired credential reason = %q", got)
	}

	// Refresh with a garbled credential.
	rw := postJSON(t, router, "/api/v1/auth/refresh",
		map[string]string{"refreshToken": "not-a-credential"}, "")
	if got := authReason(t, rw); got != httperr.ReasonInvalidToken {
		t.Errorf("garbled refresh reason = %q", got)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv, _ := testServer(t, nil)
	router := srv.Router()

	w := postJSON(t, router, "/api/v1/auth/login",
		map[string]string{"username": "alice", "password": "wrong"}, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Err string `json:"error"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Err != "AUTHENTICATION_ERROR" {
		t.Errorf("error = %s", body.Err)
	}
}

func TestLoginGuard(t *testing.T) {
	srv, _ := testServer(t, nil)
	router := srv.Router()

	var last *httptest.ResponseRecorder
	for i := 0; i < 11; i++ {
		last = postJSON(t, router, "/api/v1/auth/login",
			map[string]string{"username": "alice", "password": "wrong"}, "")
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("11th attempt status = %d", last.Code)
	}
	var body struct {
		Message string `json:"message"`
	}
	json.Unmarshal(last.Body.Bytes(), &body)
	if body.Message == "" || !bytes.Contains([]byte(body.Message), []byte("5 minutes")) {
		t.Errorf("message = %q", body.Message)
	}
}

func TestProxiedRouteRequiresAuthAndInjectsIdentity(t *testing.T) {
	var gotUserInfo, gotAuth, gotCID string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserInfo = r.Header.Get(identity.UserInfoHeader)
		gotAuth = r.Header.Get("Authorization")
		gotCID = r.Header.Get(identity.CorrelationIDHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	srv, _ := testServer(t, map[string]string{"devices": upstream.URL})
	router := srv.Router()

	// Unauthenticated access is rejected at the edge.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/d-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous proxy status = %d", w.Code)
	}

	lw := postJSON(t, router, "/api/v1/auth/login",
		map[string]string{"username": "alice", "password": "Secret123"}, "")
	var login struct {
		AccessToken string `json:"accessToken"`
	}
	json.Unmarshal(lw.Body.Bytes(), &login)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices/d-1", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	// A spoofed identity header must not survive the edge.
	req.Header.Set(identity.UserInfoHeader, `{"id":"intruder","role":"administrator"}`)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("proxied status = %d", w.Code)
	}

	if gotAuth != "" {
		t.Error("Authorization header forwarded downstream")
	}
	if gotCID == "" {
		t.Error("correlation id not injected")
	}
	p, err := identity.DecodeUserInfo(gotUserInfo)
	if err != nil {
		t.Fatalf("bad X-User-Info %q: %v", gotUserInfo, err)
	}
	if p.ID != "u1" || p.Username != "alice" {
		t.Errorf("injected identity = %+v", p)
	}
}

func TestHealthShape(t *testing.T) {
	srv, _ := testServer(t, nil)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		Version   string `json:"version"`
		Service   string `json:"service"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Status != "healthy" || body.Service != "api-gateway" || body.Timestamp == "" || body.Version == "" {
		t.Errorf("health = %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testServer(t, nil)
	router := srv.Router()

	// Generate one request so the counter family exists.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("opshub_gateway_http_requests_total")) {
		t.Error("request counter missing from scrape output")
	}
}

func TestSystemHealthRollsUpDependencies(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	srv, _ := testServer(t, nil)
	srv.checks.Register("Device Service", "devices", health.HTTPChecker(nil, up.URL+"/health"))
	srv.checks.Register("LLM Service", "llm", func(ctx context.Context) (map[string]any, error) {
		return nil, fmt.Errorf("connection refused")
	})
	router := srv.Router()

	lw := postJSON(t, router, "/api/v1/auth/login",
		map[string]string{"username": "alice", "password": "Secret123"}, "")
	var login struct {
		AccessToken string `json:"accessToken"`
	}
	json.Unmarshal(lw.Body.Bytes(), &login)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/system/health", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var report health.Report
	json.Unmarshal(w.Body.Bytes(), &report)
	if report.Status != health.StatusDegraded || report.Healthy != 1 || report.Total != 2 {
		t.Errorf("report = %+v", report)
	}
}
