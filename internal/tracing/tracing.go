// Package tracing provides the span helpers used across sinks and the
// renderer. Eventum only depends on the OpenTelemetry trace API; the
// tracer is injected at pipeline construction and defaults to no-op.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys.
const (
	AttrPipeline   = "eventum.pipeline"
	AttrTemplate   = "eventum.template"
	AttrSeq        = "eventum.seq"
	AttrSinkName   = "eventum.sink"
	AttrHTTPTarget = "http.target"
	AttrKafkaTopic = "messaging.kafka.topic"
)

// Span names.
const (
	SpanRender       = "eventum.render"
	SpanDeliver      = "eventum.deliver"
	SpanIndexerFlush = "indexer.flush"
	SpanKafkaPublish = "kafka.publish"
)

// Noop returns a tracer that records nothing.
func Noop(name string) trace.Tracer {
	return noop.NewTracerProvider().Tracer(name)
}

// StartSpan starts a span, tolerating a nil tracer.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on the span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span successful.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// PipelineAttr returns the pipeline name attribute.
func PipelineAttr(name string) attribute.KeyValue {
	return attribute.String(AttrPipeline, name)
}

// TemplateAttr returns the template id attribute.
func TemplateAttr(id string) attribute.KeyValue {
	return attribute.String(AttrTemplate, id)
}

// SeqAttr returns the signal sequence attribute.
func SeqAttr(seq int64) attribute.KeyValue {
	return attribute.Int64(AttrSeq, seq)
}

// SinkAttr returns the sink name attribute.
func SinkAttr(name string) attribute.KeyValue {
	return attribute.String(AttrSinkName, name)
}
