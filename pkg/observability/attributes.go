package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrOperation = attribute.Key("claimgate.operation")

	AttrBundleID = attribute.Key("claimgate.bundle.id")
	AttrAgentID  = attribute.Key("claimgate.agent.id")
	AttrRiskTier = attribute.Key("claimgate.bundle.max_risk_tier")

	AttrGate     = attribute.Key("claimgate.gate")
	AttrDecision = attribute.Key("claimgate.decision")
)

// BundleOperation creates attributes for a bundle evaluation span.
func BundleOperation(bundleID, agentID, maxTier string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBundleID.String(bundleID),
		AttrAgentID.String(agentID),
		AttrRiskTier.String(maxTier),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
