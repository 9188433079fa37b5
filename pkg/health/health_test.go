package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okChecker(ctx context.Context) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func failChecker(ctx context.Context) (map[string]any, error) {
	return nil, errors.New("connection refused")
}

func TestRollup(t *testing.T) {
	cases := []struct {
		name     string
		checkers []Checker
		want     string
		healthy  int
	}{
		{"all healthy", []Checker{okChecker, okChecker}, StatusHealthy, 2},
		{"none healthy", []Checker{failChecker, failChecker}, StatusUnhealthy, 0},
		{"mixed", []Checker{okChecker, failChecker}, StatusDegraded, 1},
		{"empty", nil, StatusHealthy, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := New()
			for i, c := range tc.checkers {
				a.Register("svc", string(rune('a'+i)), c)
			}
			report := a.Check(context.Background())
			if report.Status != tc.want {
				t.Errorf("status = %s, want %s", report.Status, tc.want)
			}
			if report.Healthy != tc.healthy {
				t.Errorf("healthy = %d, want %d", report.Healthy, tc.healthy)
			}
			if report.Total != len(tc.checkers) {
				t.Errorf("total = %d", report.Total)
			}
		})
	}
}

func TestChecksRunInParallel(t *testing.T) {
	a := New()
	slow := func(ctx context.Context) (map[string]any, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	}
	for i := 0; i < 5; i++ {
		a.Register("slow", string(rune('a'+i)), slow)
	}

	start := time.Now()
	a.Check(context.Background())
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("checks took %v, expected parallel execution", elapsed)
	}
}

func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	details, err := HTTPChecker(nil, srv.URL)(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if details["statusCode"] != http.StatusOK {
		t.Errorf("details = %v", details)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	if _, err := HTTPChecker(nil, bad.URL)(context.Background()); err == nil {
		t.Error("5xx must be unhealthy")
	}
}
