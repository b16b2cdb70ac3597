// Package telemetry provides OpenTelemetry initialization, semantic
// conventions and the service instruments.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys, following OpenTelemetry naming: namespace.attribute_name
const (
	AttrEnvironment = attribute.Key("environment")

	// Admission attributes
	AttrTarget = attribute.Key("flowctrl.target")
	AttrPlugin = attribute.Key("risk.plugin")
	AttrResult = attribute.Key("result")

	// Pipeline attributes
	AttrEventKind = attribute.Key("event.kind")
	AttrPartition = attribute.Key("partition")

	// Persistence attributes
	AttrOperation = attribute.Key("operation")
	AttrReason    = attribute.Key("reason")
)

// Result values
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
)

// DecisionAttributes returns attributes for admission decisions.
func DecisionAttributes(environment, target string, rejected bool) []attribute.KeyValue {
	result := ResultAccepted
	if rejected {
		result = ResultRejected
	}
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTarget.String(target),
		AttrResult.String(result),
	}
}

// EventAttributes returns attributes for pipeline event metrics.
func EventAttributes(environment, kind string, partition int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventKind.String(kind),
		AttrPartition.Int(partition),
	}
}

// OperationAttributes returns attributes for persistence operations.
func OperationAttributes(environment, operation, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}
