package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradegate/internal/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int32
}

var poolGauges = []poolGauge{
	{"tradegate.db.pool.connections", "Open connections", (*pgxpool.Stat).TotalConns},
	{"tradegate.db.pool.idle", "Idle connections", (*pgxpool.Stat).IdleConns},
	{"tradegate.db.pool.acquired", "Connections held by callers", (*pgxpool.Stat).AcquiredConns},
	{"tradegate.db.pool.constructing", "Connections being established", (*pgxpool.Stat).ConstructingConns},
}

// ObservePoolMetrics registers observable gauges reporting pool health. A nil meter selects the
// global provider.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string, meter metric.Meter) error {
	if pool == nil {
		return nil
	}
	if meter == nil {
		meter = otel.Meter("postgres.pool")
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes(telemetry.AttrDBPool.String(name))
	for _, g := range poolGauges {
		read := g.read
		if _, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(read(pool.Stat())), attrs)
				return nil
			}),
		); err != nil {
			return err
		}
	}
	return nil
}
