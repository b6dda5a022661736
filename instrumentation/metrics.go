package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments recorded by the bridge.
// All Record methods are nil-safe so components can run without instrumentation.
type Metrics struct {
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	AuthorizationStarted   metric.Int64Counter
	AuthorizationCompleted metric.Int64Counter
	ClientRegistered       metric.Int64Counter
	CodeRedeemed           metric.Int64Counter
	RedeemFailures         metric.Int64Counter
	RateLimitExceeded      metric.Int64Counter

	SessionsCreated    metric.Int64Counter
	SessionsTerminated metric.Int64Counter
	SessionsRejected   metric.Int64Counter

	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageEntries           metric.Int64ObservableGauge
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.HTTPRequestsTotal, "bridge.http.requests.total", "Total number of HTTP requests"},
		{&m.AuthorizationStarted, "bridge.authorization.started.total", "Authorization flows started"},
		{&m.AuthorizationCompleted, "bridge.authorization.completed.total", "Authorization flows completed, by result"},
		{&m.ClientRegistered, "bridge.client.registered.total", "Dynamically registered clients"},
		{&m.CodeRedeemed, "bridge.code.redeemed.total", "Authorization codes redeemed for bearer tokens"},
		{&m.RedeemFailures, "bridge.code.redeem_failures.total", "Failed authorization code redemptions"},
		{&m.RateLimitExceeded, "bridge.rate_limit.exceeded.total", "Requests rejected by the rate limiter"},
		{&m.SessionsCreated, "bridge.sessions.created.total", "Connection sessions created by initialize"},
		{&m.SessionsTerminated, "bridge.sessions.terminated.total", "Connection sessions terminated"},
		{&m.SessionsRejected, "bridge.sessions.rejected.total", "Requests rejected for a missing or unknown session"},
		{&m.StorageOperationTotal, "bridge.storage.operations.total", "Storage operations, by backend and result"},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", c.name, err)
		}
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"bridge.http.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = meter.Float64Histogram(
		"bridge.storage.operation.duration",
		metric.WithDescription("Storage operation duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage duration histogram: %w", err)
	}

	m.StorageEntries, err = meter.Int64ObservableGauge(
		"bridge.storage.entries",
		metric.WithDescription("Live entries in the session store"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage entries gauge: %w", err)
	}

	return m, nil
}

func attrBackend(backend string) attribute.KeyValue {
	return attribute.String("backend", backend)
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// RecordHTTPRequest records an HTTP request and its duration
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs(d), metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationStarted records the START transition of an authorization flow
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordAuthorizationCompleted records the terminal state of an authorization flow
func (m *Metrics) RecordAuthorizationCompleted(ctx context.Context, clientID, result string) {
	if m == nil {
		return
	}
	m.AuthorizationCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
}

// RecordClientRegistered records a dynamic client registration
func (m *Metrics) RecordClientRegistered(ctx context.Context) {
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1)
}

// RecordCodeRedemption records the outcome of a code redemption
func (m *Metrics) RecordCodeRedemption(ctx context.Context, clientID string, success bool) {
	if m == nil {
		return
	}
	if success {
		m.CodeRedeemed.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
		return
	}
	m.RedeemFailures.Add(ctx, 1)
}

// RecordRateLimitExceeded records a request rejected by a rate limiter
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter_type", limiterType)))
}

// RecordSessionCreated records a new connection session
func (m *Metrics) RecordSessionCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionsCreated.Add(ctx, 1)
}

// RecordSessionTerminated records a connection session termination
func (m *Metrics) RecordSessionTerminated(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.SessionsTerminated.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionRejected records a request that presented no usable session
func (m *Metrics) RecordSessionRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionsRejected.Add(ctx, 1)
}

// RecordStorageOperation records a storage backend operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attrBackend(backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs(d), metric.WithAttributes(
		attrBackend(backend),
		attribute.String("operation", operation),
	))
}
