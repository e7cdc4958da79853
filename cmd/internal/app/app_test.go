package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNew_InMemoryWiring(t *testing.T) {
	t.Parallel()

	cfg := Config{
		HTTPAddr:         "127.0.0.1:0",
		RotationTimezone: "UTC",
		DevClubs:         []string{"c1:2"},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.close)

	if a.pool != nil || a.scheduler != nil {
		t.Fatalf("pool=%v scheduler=%v want both nil", a.pool, a.scheduler)
	}

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Post(srv.URL+"/clubs/c1/rotate", "application/json", nil)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate status=%d want=200", resp.StatusCode)
	}

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	body := string(raw)
	for _, want := range []string{
		`clubrotor_rotation_outcomes_total{outcome="no_change"} 1`,
		"clubrotor_feed_sessions 0",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(context.Background(), Config{HTTPAddr: ":0", RotationTimezone: "Nowhere/Never"}, log)
	if err == nil {
		t.Fatalf("New with bad timezone: err=nil want error")
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), Config{
		HTTPAddr:          "127.0.0.1:0",
		RotationTimezone:  "UTC",
		SchedulerEnabled:  true,
		SchedulerInterval: 50 * time.Millisecond,
	}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run()=%v want nil", err)
	}
}
