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

const (
	tracerName    = "slate-api/api"
	moveSpanName  = "board.move"
	moveEventName = "board.move.completed"
)

// moveRequestMetrics collects per-request timings for the move endpoints and
// emits one structured log entry plus an otel span when the request ends.
type moveRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	route  string
	start  time.Time

	authDuration    time.Duration
	lockDuration    time.Duration
	fetchDuration   time.Duration
	persistDuration time.Duration
	movesApplied    int
	mode            string
	errorStage      string
}

func newMoveRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*moveRequestMetrics, context.Context) {
	m := &moveRequestMetrics{
		logger: logger,
		route:  route,
		start:  time.Now(),
	}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, moveSpanName,
		trace.WithAttributes(attribute.String("http.route", route)))
	m.span = span
	return m, spanCtx
}

func (m *moveRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *moveRequestMetrics) ObserveLock(d time.Duration) {
	if d > 0 {
		m.lockDuration = d
	}
}

func (m *moveRequestMetrics) ObserveFetch(d time.Duration) {
	if d > 0 {
		m.fetchDuration = d
	}
}

func (m *moveRequestMetrics) ObservePersist(d time.Duration) {
	if d > 0 {
		m.persistDuration = d
	}
}

func (m *moveRequestMetrics) SetMovesApplied(count int) {
	if count < 0 {
		count = 0
	}
	m.movesApplied = count
}

func (m *moveRequestMetrics) SetMode(mode string) {
	m.mode = mode
}

func (m *moveRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *moveRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	total := time.Since(m.start)
	fields := log.Fields{
		"route":    m.route,
		"status":   status,
		"total_ms": durationToMillis(total),
		"moves":    m.movesApplied,
	}
	attrs := []attribute.KeyValue{
		attribute.Int("http.status_code", status),
		attribute.Float64("board.move.total_ms", durationToMillis(total)),
		attribute.Int("board.move.count", m.movesApplied),
	}

	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
		attrs = append(attrs, attribute.Float64("board.move.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.lockDuration > 0 {
		fields["lock_ms"] = durationToMillis(m.lockDuration)
		attrs = append(attrs, attribute.Float64("board.move.lock_ms", durationToMillis(m.lockDuration)))
	}
	if m.fetchDuration > 0 {
		fields["fetch_ms"] = durationToMillis(m.fetchDuration)
		attrs = append(attrs, attribute.Float64("board.move.fetch_ms", durationToMillis(m.fetchDuration)))
	}
	if m.persistDuration > 0 {
		fields["persist_ms"] = durationToMillis(m.persistDuration)
		attrs = append(attrs, attribute.Float64("board.move.persist_ms", durationToMillis(m.persistDuration)))
	}
	if m.mode != "" {
		fields["mode"] = m.mode
		attrs = append(attrs, attribute.String("board.move.mode", m.mode))
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
		attrs = append(attrs, attribute.String("board.move.error_stage", m.errorStage))
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.AddEvent(moveEventName)
		if err != nil || m.errorStage != "" {
			m.span.SetStatus(codes.Error, m.errorStage)
			if err != nil {
				m.span.RecordError(err)
			}
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
		m.span.End()
	}

	if m.logger != nil {
		m.logger.WithFields(fields).Info(moveEventName)
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
