package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/sushant-115/gojounit/core/transaction"
)

// DatabaseMetrics holds all the metric instruments for one database handle.
type DatabaseMetrics struct {
	TxnEventsCounter  metric.Int64Counter
	TxnCommitsCounter metric.Int64Counter
	ActiveTxnsUpDown  metric.Int64UpDownCounter
	FileOpLatency     metric.Int64Histogram
	FilesMovedCounter metric.Int64Counter
	databaseAttr      attribute.KeyValue
}

// NewDatabaseMetrics creates and registers all the metrics for a database
// identified by name.
func NewDatabaseMetrics(meter metric.Meter, name string) (*DatabaseMetrics, error) {
	eventsCounter, err := meter.Int64Counter(
		"gojounit.txn.events_total",
		metric.WithDescription("Transaction lifecycle events by kind."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commitsCounter, err := meter.Int64Counter(
		"gojounit.txn.commits_total",
		metric.WithDescription("Total number of committed transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	activeUpDown, err := meter.Int64UpDownCounter(
		"gojounit.txn.active",
		metric.WithDescription("Number of active transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	fileOpLatency, err := meter.Int64Histogram(
		"gojounit.file.op.duration",
		metric.WithDescription("The latency of database file operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	movedCounter, err := meter.Int64Counter(
		"gojounit.file.moved_total",
		metric.WithDescription("Total number of completed database moves."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &DatabaseMetrics{
		TxnEventsCounter:  eventsCounter,
		TxnCommitsCounter: commitsCounter,
		ActiveTxnsUpDown:  activeUpDown,
		FileOpLatency:     fileOpLatency,
		FilesMovedCounter: movedCounter,
		databaseAttr:      attribute.String("database", name),
	}, nil
}

// NewNoopDatabaseMetrics returns instruments that record nothing.
func NewNoopDatabaseMetrics() *DatabaseMetrics {
	m, _ := NewDatabaseMetrics(noop.NewMeterProvider().Meter(""), "")
	return m
}

// Began implements transaction.Recorder.
func (m *DatabaseMetrics) Began() {
	m.ActiveTxnsUpDown.Add(context.Background(), 1, metric.WithAttributes(m.databaseAttr))
}

// Finished implements transaction.Recorder.
func (m *DatabaseMetrics) Finished(state transaction.State) {
	ctx := context.Background()
	m.ActiveTxnsUpDown.Add(ctx, -1, metric.WithAttributes(m.databaseAttr))
	if state == transaction.StateCommitted {
		m.TxnCommitsCounter.Add(ctx, 1, metric.WithAttributes(m.databaseAttr))
	}
}

// Event implements transaction.Recorder.
func (m *DatabaseMetrics) Event(ev transaction.Event) {
	m.TxnEventsCounter.Add(context.Background(), 1,
		metric.WithAttributes(m.databaseAttr, attribute.String("event", ev.String())))
}

// RecordFileOp records the latency and outcome of a file operation started at start.
func (m *DatabaseMetrics) RecordFileOp(ctx context.Context, op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FileOpLatency.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(
		m.databaseAttr,
		attribute.String("op", op),
		attribute.String("result", result),
	))
	if op == "move" && err == nil {
		m.FilesMovedCounter.Add(ctx, 1, metric.WithAttributes(m.databaseAttr))
	}
}
