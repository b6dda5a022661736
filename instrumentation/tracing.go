package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// Never attach codes, verifiers, bearer tokens or bridge session ids to a
// span. Only metadata such as client ids, methods and results.
const (
	AttrClientID     = "bridge.client_id"
	AttrPrincipalID  = "bridge.principal_id"
	AttrScope        = "bridge.scope"
	AttrPKCEMethod   = "bridge.pkce.method"
	AttrFlowState    = "bridge.flow.state"
	AttrProviderName = "bridge.provider"
	AttrGrantType    = "bridge.grant_type"
	AttrError        = "bridge.error"

	AttrStorageOperation = "storage.operation"
	AttrStorageBackend   = "storage.backend"
	AttrStorageResult    = "storage.result"

	AttrMCPMethod = "mcp.method"
	AttrMCPBatch  = "mcp.batch"

	AttrClientIP     = "security.client_ip"
	AttrHTTPEndpoint = "http.endpoint"
	AttrHTTPMethod   = "http.method"
	AttrHTTPStatus   = "http.status_code"
)

// RecordError records an error on a span (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span without recording an error event (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds authorization flow attributes, skipping empty values
func AddFlowAttributes(span trace.Span, clientID, state, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if state != "" {
		SetSpanAttributes(span, attribute.String(AttrFlowState, state))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddStorageAttributes adds storage operation attributes to a span
func AddStorageAttributes(span trace.Span, operation, backend string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageBackend, backend),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatus, statusCode),
	)
}
