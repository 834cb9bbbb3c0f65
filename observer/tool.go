package observer

import (
	"context"
	"encoding/json"
	"time"

	openswe "github.com/openswe/openswe"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WrapTool returns a copy of the tool whose executor emits a span and metrics
// around every call.
func WrapTool(inner openswe.Tool, inst *Instruments) openswe.Tool {
	wrapped := inner
	wrapped.Exec = func(ctx context.Context, args json.RawMessage, state openswe.ThreadState, cfg *openswe.RunConfig) (openswe.ToolResult, error) {
		ctx, span := inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
			AttrToolName.String(inner.Name),
		))
		defer span.End()
		start := time.Now()

		result, err := inner.Exec(ctx, args, state, cfg)

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		if result.Status == openswe.ToolError {
			status = "tool_error"
		}
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.SetAttributes(
			AttrToolStatus.String(status),
			AttrToolResultLength.Int(len(result.Content)),
		)

		inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(inner.Name),
			attribute.String("status", status),
		))
		inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
			AttrToolName.String(inner.Name),
		))

		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetBody(otellog.StringValue("tool executed"))
		rec.AddAttributes(
			otellog.String("tool.name", inner.Name),
			otellog.String("tool.status", status),
			otellog.Int("tool.result_length", len(result.Content)),
			otellog.Float64("tool.duration_ms", durationMs),
		)
		inst.Logger.Emit(ctx, rec)

		return result, err
	}
	return wrapped
}

// InstrumentRegistry re-registers every tool in the registry with an
// instrumented executor. Call once after all tools are registered.
func InstrumentRegistry(reg *openswe.ToolRegistry, inst *Instruments) {
	for _, def := range reg.Definitions() {
		if t, ok := reg.Get(def.Name); ok {
			reg.Register(WrapTool(t, inst))
		}
	}
}
