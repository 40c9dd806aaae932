package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "harada-api"

// opMetrics collects per-request timings for the matrix endpoints and
// reports them as a span plus one structured log line.
type opMetrics struct {
	logger *log.Logger
	route  string
	start  time.Time
	span   trace.Span

	storeDuration  time.Duration
	encodeDuration time.Duration
	commandCount   int
	errorStage     string
}

func newOpMetrics(ctx context.Context, logger *log.Logger, route string) (*opMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, route)
	return &opMetrics{
		logger: logger,
		route:  route,
		start:  time.Now(),
		span:   span,
	}, spanCtx
}

func (m *opMetrics) ObserveStore(d time.Duration) {
	if d > 0 {
		m.storeDuration = d
	}
}

func (m *opMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *opMetrics) SetCommandCount(n int) {
	if n > 0 {
		m.commandCount = n
	}
}

func (m *opMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *opMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	if m.span != nil {
		attrs := []attribute.KeyValue{
			attribute.String("http.route", m.route),
			attribute.Int("http.status_code", status),
		}
		if m.commandCount > 0 {
			attrs = append(attrs, attribute.Int("matrix.commands", m.commandCount))
		}
		if m.errorStage != "" {
			attrs = append(attrs, attribute.String("error.stage", m.errorStage))
		}
		m.span.SetAttributes(attrs...)
		if err != nil {
			m.span.SetStatus(codes.Error, err.Error())
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":    m.route,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.storeDuration > 0 {
		fields["store_ms"] = durationToMillis(m.storeDuration)
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.commandCount > 0 {
		fields["commands"] = m.commandCount
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("matrix.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
