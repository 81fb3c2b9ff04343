// Package tracing exports agent-run telemetry as OpenTelemetry traces: one
// root span per run, one child span per LLM call and per tool call. The
// Collector accepts the gateway's own TraceData/SpanData records and maps
// them onto OTel spans with explicit timestamps, so spans that are assembled
// after the fact (tool fan-out results sorted back into order) still carry
// their real start/end times.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/openclaw/gateway/internal/store"
)

// ExporterConfig selects the OTLP transport the collector exports through.
type ExporterConfig struct {
	Enabled     bool
	Endpoint    string
	Protocol    string // "grpc" (default) or "http"
	Insecure    bool
	ServiceName string
	Headers     map[string]string
	Verbose     bool // serialize full prompts/outputs into span previews
}

// Collector turns the Run Controller's trace/span records into OTel spans.
// All methods are safe for concurrent use; a nil *Collector is a valid no-op
// receiver so call sites don't need nil checks beyond the context lookup.
type Collector struct {
	tracer  trace.Tracer
	verbose bool

	mu     sync.Mutex
	active map[uuid.UUID]*liveTrace
}

type liveTrace struct {
	ctx  context.Context // carries the root span for child parenting
	root trace.Span
}

// Init installs a global OTLP trace provider and returns a Collector plus a
// shutdown function that flushes pending exports. When cfg.Enabled is false
// it returns (nil, no-op): callers treat a nil collector as tracing-off.
func Init(ctx context.Context, cfg ExporterConfig) (*Collector, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return nil, noop, nil
	}

	var client otlptrace.Client
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		client = otlptracehttp.NewClient(opts...)
	} else {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		client = otlptracegrpc.NewClient(opts...)
	}

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, noop, fmt.Errorf("tracing: create OTLP exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "openclaw-gateway"
	}

	c := &Collector{
		tracer:  provider.Tracer(serviceName),
		verbose: cfg.Verbose,
		active:  make(map[uuid.UUID]*liveTrace),
	}
	return c, provider.Shutdown, nil
}

// Verbose reports whether full prompt/output previews should be recorded.
func (c *Collector) Verbose() bool {
	if c == nil {
		return false
	}
	return c.verbose
}

// CreateTrace opens the root span for one agent run.
func (c *Collector) CreateTrace(ctx context.Context, t *store.TraceData) error {
	if c == nil {
		return nil
	}

	spanCtx, root := c.tracer.Start(context.Background(), t.Name,
		trace.WithTimestamp(t.StartTime),
		trace.WithAttributes(
			attribute.String("run.id", t.RunID),
			attribute.String("session.key", t.SessionKey),
			attribute.String("channel", t.Channel),
			attribute.StringSlice("tags", t.Tags),
		),
	)
	if t.InputPreview != "" {
		root.SetAttributes(attribute.String("input.preview", t.InputPreview))
	}

	c.mu.Lock()
	c.active[t.ID] = &liveTrace{ctx: spanCtx, root: root}
	c.mu.Unlock()
	return nil
}

// FinishTrace closes a run's root span with its terminal status.
func (c *Collector) FinishTrace(ctx context.Context, traceID uuid.UUID, status, errMsg, outputPreview string) {
	if c == nil {
		return
	}

	c.mu.Lock()
	lt, ok := c.active[traceID]
	delete(c.active, traceID)
	c.mu.Unlock()
	if !ok {
		return
	}

	if outputPreview != "" {
		lt.root.SetAttributes(attribute.String("output.preview", outputPreview))
	}
	switch status {
	case store.TraceStatusError:
		lt.root.SetStatus(codes.Error, errMsg)
	case store.TraceStatusCancelled:
		lt.root.SetStatus(codes.Error, "cancelled")
	default:
		lt.root.SetStatus(codes.Ok, "")
	}
	lt.root.End()
}

// EmitSpan records one LLM-call, tool-call, or agent span under its trace's
// root. Spans arrive with their timing already measured, so both start and
// end are passed through explicitly.
func (c *Collector) EmitSpan(s store.SpanData) {
	if c == nil {
		return
	}

	c.mu.Lock()
	lt, ok := c.active[s.TraceID]
	c.mu.Unlock()
	if !ok {
		slog.Debug("tracing: span for unknown trace dropped", "trace", s.TraceID, "span", s.Name)
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("span.type", string(s.SpanType)),
	}
	if s.Model != "" {
		attrs = append(attrs, attribute.String("llm.model", s.Model))
	}
	if s.Provider != "" {
		attrs = append(attrs, attribute.String("llm.provider", s.Provider))
	}
	if s.ToolName != "" {
		attrs = append(attrs, attribute.String("tool.name", s.ToolName), attribute.String("tool.call_id", s.ToolCallID))
	}
	if s.InputTokens > 0 || s.OutputTokens > 0 {
		attrs = append(attrs,
			attribute.Int("llm.tokens.input", s.InputTokens),
			attribute.Int("llm.tokens.output", s.OutputTokens),
		)
	}
	if s.FinishReason != "" {
		attrs = append(attrs, attribute.String("llm.finish_reason", s.FinishReason))
	}
	if s.InputPreview != "" {
		attrs = append(attrs, attribute.String("input.preview", s.InputPreview))
	}
	if s.OutputPreview != "" {
		attrs = append(attrs, attribute.String("output.preview", s.OutputPreview))
	}
	if len(s.Metadata) > 0 {
		attrs = append(attrs, attribute.String("metadata", string(s.Metadata)))
	}

	_, span := c.tracer.Start(lt.ctx, s.Name,
		trace.WithTimestamp(s.StartTime),
		trace.WithAttributes(attrs...),
	)
	if s.Status == store.SpanStatusError {
		span.SetStatus(codes.Error, s.Error)
	}
	end := time.Now()
	if s.EndTime != nil {
		end = *s.EndTime
	}
	span.End(trace.WithTimestamp(end))
}

// Context plumbing: the Run Controller stashes the collector and the current
// trace/parent-span identity on the request context so the Loop's span
// emitters and nested tool executions (subagent spawn, announce) can attach
// to the right trace without threading extra parameters.

type ctxKey int

const (
	ctxKeyTraceID ctxKey = iota
	ctxKeyCollector
	ctxKeyParentSpanID
	ctxKeyAnnounceParentSpanID
)

func WithTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKeyTraceID, id)
}

func TraceIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxKeyTraceID).(uuid.UUID)
	return id
}

func WithCollector(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, ctxKeyCollector, c)
}

func CollectorFromContext(ctx context.Context) *Collector {
	c, _ := ctx.Value(ctxKeyCollector).(*Collector)
	return c
}

func WithParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKeyParentSpanID, id)
}

func ParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxKeyParentSpanID).(uuid.UUID)
	return id
}

// WithAnnounceParentSpanID marks an announce run's span as a child of the
// spawning run's root span, so the subagent's announcement nests under the
// parent in the exported trace.
func WithAnnounceParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKeyAnnounceParentSpanID, id)
}

func AnnounceParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxKeyAnnounceParentSpanID).(uuid.UUID)
	return id
}
