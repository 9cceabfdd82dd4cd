package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the coordinator's instruments.
type Metrics struct {
	meter metric.Meter

	// HTTP API
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job lifecycle
	JobsEnqueued   metric.Int64Counter
	TargetsSkipped metric.Int64Counter
	JobsDispatched metric.Int64Counter
	JobsFinished   metric.Int64Counter
	JobsRequeued   metric.Int64Counter
	JobDuration    metric.Float64Histogram
	QueueLength    metric.Int64Gauge

	// Worker protocol
	Receipts         metric.Int64Counter
	ProtocolErrors   metric.Int64Counter
	WorkersConnected metric.Int64Gauge

	// Lifecycle notifications
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("ingestor")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobsEnqueued, err = meter.Int64Counter(
		"ingest_jobs_enqueued_total",
		metric.WithDescription("Total number of jobs enqueued"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TargetsSkipped, err = meter.Int64Counter(
		"ingest_targets_skipped_total",
		metric.WithDescription("Targets not enqueued because they were already materialized"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsDispatched, err = meter.Int64Counter(
		"ingest_jobs_dispatched_total",
		metric.WithDescription("Total number of DISPATCH messages delivered to workers"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsFinished, err = meter.Int64Counter(
		"ingest_jobs_finished_total",
		metric.WithDescription("Jobs that reached a terminal state, by state and error code"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsRequeued, err = meter.Int64Counter(
		"ingest_jobs_requeued_total",
		metric.WithDescription("Failed attempts requeued for retry, by error code"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"ingest_job_duration_seconds",
		metric.WithDescription("Time from enqueue to terminal state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueLength, err = meter.Int64Gauge(
		"ingest_queue_length",
		metric.WithDescription("Jobs waiting to be dispatched (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Worker protocol metrics
	m.Receipts, err = meter.Int64Counter(
		"ingest_receipts_total",
		metric.WithDescription("CONCLUDE receipts, split into applied and duplicate"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ProtocolErrors, err = meter.Int64Counter(
		"ingest_protocol_errors_total",
		metric.WithDescription("Malformed or unexpected protocol messages"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkersConnected, err = meter.Int64Gauge(
		"ingest_workers_connected",
		metric.WithDescription("Workers with a live connection"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notification metrics
	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Lifecycle event delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyQueueSize, err = meter.Int64Gauge(
		"notify_queue_size",
		metric.WithDescription("Current number of events waiting for delivery (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobEnqueued records a new job.
func (m *Metrics) RecordJobEnqueued(ctx context.Context, capability string) {
	m.JobsEnqueued.Add(ctx, 1, WithCapability(capability))
}

// RecordJobSkipped records targets skipped at enqueue.
func (m *Metrics) RecordJobSkipped(ctx context.Context, targets int) {
	m.TargetsSkipped.Add(ctx, int64(targets))
}

// RecordJobDispatched records a delivered DISPATCH.
func (m *Metrics) RecordJobDispatched(ctx context.Context, capability string) {
	m.JobsDispatched.Add(ctx, 1, WithCapability(capability))
}

// RecordJobFinished records a job reaching a terminal state.
func (m *Metrics) RecordJobFinished(ctx context.Context, state, code string, durationSeconds float64) {
	attrs := metric.WithAttributes(stateAttr(state), codeAttr(code))
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(stateAttr(state)))
}

// RecordJobRequeued records a failed attempt scheduled for retry.
func (m *Metrics) RecordJobRequeued(ctx context.Context, code string) {
	m.JobsRequeued.Add(ctx, 1, WithCode(code))
}

// RecordReceipt records a CONCLUDE and whether it changed the job.
func (m *Metrics) RecordReceipt(ctx context.Context, applied bool) {
	m.Receipts.Add(ctx, 1, metric.WithAttributes(appliedAttr(applied)))
}

// RecordProtocolError records a rejected protocol message.
func (m *Metrics) RecordProtocolError(ctx context.Context, opcode string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(opcodeAttr(opcode)))
}

// RecordWorkersConnected records the number of connected workers.
func (m *Metrics) RecordWorkersConnected(ctx context.Context, n int64) {
	m.WorkersConnected.Record(ctx, n)
}

// RecordQueueLength records the number of Queued jobs.
func (m *Metrics) RecordQueueLength(ctx context.Context, n int64) {
	m.QueueLength.Record(ctx, n)
}

// RecordNotifyDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed event delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped event.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current queue size.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}
