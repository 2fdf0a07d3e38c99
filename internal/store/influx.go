package store

import (
	"fmt"
	"os"
	"time"

	"github.com/blackholedex/riskctl/internal/monitor"
	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/sony/gobreaker"
)

// measurement name for monitoring tick metrics (spec §4.6/§9 design note
// on a TSDB sink).
const measurement = "risk_metrics"

// InfluxSink persists one point per monitoring tick, satisfying
// monitor.MetricsSink, grounded on original_source's influxdb_client.hpp.
type InfluxSink struct {
	c        client.Client
	database string
	host     string
	cb       *gobreaker.CircuitBreaker
}

// NewInfluxSink opens an HTTP client against addr.
func NewInfluxSink(addr, username, password, database string) (*InfluxSink, error) {
	c, err := client.NewHTTPClient(client.HTTPConfig{Addr: addr, Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("store: create influxdb client: %w", err)
	}
	host, _ := os.Hostname()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "influxdb-sink",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &InfluxSink{c: c, database: database, host: host, cb: cb}, nil
}

// WriteMetrics satisfies monitor.MetricsSink.
func (s *InfluxSink) WriteMetrics(m monitor.Metrics) error {
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{Database: s.database, Precision: "ms"})
	if err != nil {
		return fmt.Errorf("store: new batch points: %w", err)
	}

	tags := map[string]string{"host": s.host}
	fields := map[string]any{
		"total_pnl":      m.TotalPnL,
		"total_exposure": m.TotalExposure,
		"var":            m.VaR,
		"stress_pnl":     m.StressPnL,
		"alerts_open":    m.OpenViolations,
	}
	pt, err := client.NewPoint(measurement, tags, fields, m.At)
	if err != nil {
		return fmt.Errorf("store: new point: %w", err)
	}
	bp.AddPoint(pt)

	_, err = s.cb.Execute(func() (any, error) {
		return nil, s.c.Write(bp)
	})
	if err != nil {
		return fmt.Errorf("store: write influxdb point: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *InfluxSink) Close() error {
	return s.c.Close()
}
