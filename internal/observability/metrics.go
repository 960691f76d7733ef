package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"omotes/pkg/job"
)

// Metrics holds the SDK, orchestrator and admin API instruments. It
// implements the metrics recorder interfaces of the client, the lifecycle
// state machine, the dispatcher, the orchestrator and the resilient publisher.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job lifecycle metrics
	JobsSubmitted     metric.Int64Counter
	JobTransitions    metric.Int64Counter
	MessagesDiscarded metric.Int64Counter
	DecodeErrors      metric.Int64Counter
	AwaitTimeouts     metric.Int64Counter
	PublishRetries    metric.Int64Counter
	PublishFailures   metric.Int64Counter

	// Orchestrator metrics (Traffic, Errors, Saturation)
	WorkersLive    metric.Int64Gauge
	JobAssignments metric.Int64Counter
	JobRequeues    metric.Int64Counter
	JobTimeouts    metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

type counterSpec struct {
	dst  *metric.Int64Counter
	name string
	desc string
}

// NewMetrics creates all instruments on a Prometheus exporter backed by its
// own registry and returns the scrape handler for it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("omotes")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, "http_requests_total", "Total number of HTTP requests"},
		{&m.HTTPErrorsTotal, "http_errors_total", "Total number of HTTP errors (4xx and 5xx)"},
		{&m.JobsSubmitted, "jobs_submitted_total", "Jobs submitted by this process"},
		{&m.JobTransitions, "job_transitions_total", "Applied job status transitions"},
		{&m.MessagesDiscarded, "messages_discarded_total", "Inbound lifecycle messages dropped without a transition"},
		{&m.DecodeErrors, "message_decode_errors_total", "Inbound messages that could not be decoded"},
		{&m.AwaitTimeouts, "await_timeouts_total", "AwaitCompletion calls that timed out"},
		{&m.PublishRetries, "publish_retries_total", "Publish attempts retried after a transport error"},
		{&m.PublishFailures, "publish_failures_total", "Publishes that failed after all retries"},
		{&m.JobAssignments, "job_assignments_total", "Jobs assigned to workers"},
		{&m.JobRequeues, "job_requeues_total", "Jobs requeued after their worker was lost"},
		{&m.JobTimeouts, "job_timeouts_total", "Jobs failed for exceeding their timeout"},
		{&m.DispatcherDelivered, "dispatcher_delivered_total", "Total events successfully delivered"},
		{&m.DispatcherFailed, "dispatcher_failed_total", "Total events whose callback failed"},
		{&m.DispatcherDropped, "dispatcher_dropped_total", "Total events dropped (buffer full)"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, nil, err
		}
	}

	m.WorkersLive, err = meter.Int64Gauge(
		"workers_live",
		metric.WithDescription("Workers with a recent heartbeat (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
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

// RecordJobSubmitted records a successful submission.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, workflowType string) {
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(workflowTypeAttr(workflowType)))
}

// RecordTransition records an applied status transition.
func (m *Metrics) RecordTransition(ctx context.Context, workflowType string, status job.Status) {
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(workflowTypeAttr(workflowType), jobStatusAttr(status)))
}

// RecordDiscarded records an inbound message dropped for reason.
func (m *Metrics) RecordDiscarded(ctx context.Context, reason string) {
	m.MessagesDiscarded.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordDecodeError records an undecodable inbound message.
func (m *Metrics) RecordDecodeError(ctx context.Context) {
	m.DecodeErrors.Add(ctx, 1)
}

// RecordAwaitTimeout records an AwaitCompletion timeout.
func (m *Metrics) RecordAwaitTimeout(ctx context.Context) {
	m.AwaitTimeouts.Add(ctx, 1)
}

// PublishRetried records a retried publish.
func (m *Metrics) PublishRetried(destination string) {
	m.PublishRetries.Add(context.Background(), 1, metric.WithAttributes(destinationAttr(destination)))
}

// PublishFailed records a publish that gave up.
func (m *Metrics) PublishFailed(destination string) {
	m.PublishFailures.Add(context.Background(), 1, metric.WithAttributes(destinationAttr(destination)))
}

// RecordLiveWorkers records the number of live workers.
func (m *Metrics) RecordLiveWorkers(ctx context.Context, n int) {
	m.WorkersLive.Record(ctx, int64(n))
}

// RecordAssignment records a job assigned to a worker.
func (m *Metrics) RecordAssignment(ctx context.Context, workflowType string) {
	m.JobAssignments.Add(ctx, 1, metric.WithAttributes(workflowTypeAttr(workflowType)))
}

// RecordRequeue records a job requeued after its worker was lost.
func (m *Metrics) RecordRequeue(ctx context.Context, workflowType string) {
	m.JobRequeues.Add(ctx, 1, metric.WithAttributes(workflowTypeAttr(workflowType)))
}

// RecordJobTimeout records a job failed by its timeout.
func (m *Metrics) RecordJobTimeout(ctx context.Context, workflowType string) {
	m.JobTimeouts.Add(ctx, 1, metric.WithAttributes(workflowTypeAttr(workflowType)))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
