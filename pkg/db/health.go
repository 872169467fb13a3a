package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Ping checks if the database is reachable.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("pool is nil")
	}
	return pool.Ping(ctx)
}

// StatusSetter receives serving status updates. *health.Server implements it.
type StatusSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// ReportHealth runs check every interval and publishes the result for service
// until ctx is done.
func ReportHealth(ctx context.Context, setter StatusSetter, service string, interval time.Duration, check func(context.Context) error) {
	report := func() {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := check(checkCtx); err != nil {
			setter.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
			return
		}
		setter.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	report()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report()
		}
	}
}
