package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestPing_NilPool(t *testing.T) {
	err := Ping(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for nil pool, got nil")
	}
	if err.Error() != "pool is nil" {
		t.Errorf("expected 'pool is nil' error, got '%s'", err.Error())
	}
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []healthpb.HealthCheckResponse_ServingStatus
}

func (r *statusRecorder) SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *statusRecorder) snapshot() []healthpb.HealthCheckResponse_ServingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]healthpb.HealthCheckResponse_ServingStatus(nil), r.statuses...)
}

func TestReportHealth(t *testing.T) {
	rec := &statusRecorder{}
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	calls := 0
	check := func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil
		}
		return errors.New("down")
	}

	done := make(chan struct{})
	go func() {
		ReportHealth(ctx, rec, "recorder", 10*time.Millisecond, check)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	statuses := rec.snapshot()
	if len(statuses) < 2 {
		t.Fatalf("expected at least 2 status updates, got %d", len(statuses))
	}
	if statuses[0] != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected first status SERVING, got %s", statuses[0])
	}
	if statuses[1] != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected second status NOT_SERVING, got %s", statuses[1])
	}
}
