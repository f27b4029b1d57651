// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "jobagent"

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// AgentMetrics holds the instruments recorded by the agent.
// The zero value is not usable; a nil *AgentMetrics records nothing.
type AgentMetrics struct {
	pagesClosed    metric.Int64Counter
	itemsDelivered metric.Int64Counter
	itemsFailed    metric.Int64Counter
	drainFailures  metric.Int64Counter
	leaseRenewals  metric.Int64Counter
	tasksCompleted metric.Int64Counter
}

// NewAgentMetrics creates instruments on the global MeterProvider.
// Call it after InitMetrics so they are exported.
func NewAgentMetrics() (*AgentMetrics, error) {
	meter := otel.Meter(meterName)
	m := &AgentMetrics{}

	var err error
	if m.pagesClosed, err = meter.Int64Counter("jobagent_log_pages_closed",
		metric.WithDescription("Log pages closed and queued for upload")); err != nil {
		return nil, err
	}
	if m.itemsDelivered, err = meter.Int64Counter("jobagent_feedback_items_delivered",
		metric.WithDescription("Feedback items delivered to the controller")); err != nil {
		return nil, err
	}
	if m.itemsFailed, err = meter.Int64Counter("jobagent_feedback_items_failed",
		metric.WithDescription("Feedback items that exhausted their delivery attempts")); err != nil {
		return nil, err
	}
	if m.drainFailures, err = meter.Int64Counter("jobagent_drain_failures",
		metric.WithDescription("Drains that reported at least one failure")); err != nil {
		return nil, err
	}
	if m.leaseRenewals, err = meter.Int64Counter("jobagent_lease_renewals",
		metric.WithDescription("Job lease renewal attempts by outcome")); err != nil {
		return nil, err
	}
	if m.tasksCompleted, err = meter.Int64Counter("jobagent_tasks_completed",
		metric.WithDescription("Tasks completed by result")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AgentMetrics) PageClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.pagesClosed.Add(ctx, 1)
}

func (m *AgentMetrics) FeedbackDelivered(ctx context.Context, kind string, n int) {
	if m == nil {
		return
	}
	m.itemsDelivered.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *AgentMetrics) FeedbackFailed(ctx context.Context, kind string, n int) {
	if m == nil {
		return
	}
	m.itemsFailed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *AgentMetrics) DrainFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.drainFailures.Add(ctx, 1)
}

func (m *AgentMetrics) LeaseRenewed(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.leaseRenewals.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *AgentMetrics) TaskCompleted(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
