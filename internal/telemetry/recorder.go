package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Recorder traces and counts the operations of one component. Each
// operation gets a span named "<prefix>.<name>" and is counted in
// <prefix>.operations, <prefix>.operation.duration and <prefix>.errors.
type Recorder struct {
	prefix string
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// NewRecorder builds a Recorder against the current global providers, so it
// must be created after Init.
func NewRecorder(scope, prefix string) *Recorder {
	m := Meter(scope)
	ops, _ := m.Int64Counter(prefix+".operations",
		metric.WithDescription("Total operations executed"),
	)
	dur, _ := m.Float64Histogram(prefix+".operation.duration",
		metric.WithDescription("Operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter(prefix+".errors",
		metric.WithDescription("Total operation errors"),
	)
	return &Recorder{
		prefix: prefix,
		tracer: Tracer(scope),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// Op is an operation in progress.
type Op struct {
	r     *Recorder
	ctx   context.Context
	span  trace.Span
	start time.Time
	attrs []attribute.KeyValue
}

// Start opens a span and counts the operation.
func (r *Recorder) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Op) {
	all := append([]attribute.KeyValue{attribute.String("mend.operation", name)}, attrs...)
	ctx, span := r.tracer.Start(ctx, r.prefix+"."+name, trace.WithAttributes(all...))
	r.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, &Op{r: r, ctx: ctx, span: span, start: time.Now(), attrs: all}
}

// SetAttributes adds attributes known only after the operation ran.
func (o *Op) SetAttributes(attrs ...attribute.KeyValue) {
	o.span.SetAttributes(attrs...)
}

// End closes the span, records duration and an optional error.
func (o *Op) End(err error) {
	ms := float64(time.Since(o.start).Milliseconds())
	o.r.dur.Record(o.ctx, ms, metric.WithAttributes(o.attrs...))
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
		o.r.errs.Add(o.ctx, 1, metric.WithAttributes(o.attrs...))
	}
	o.span.End()
}
