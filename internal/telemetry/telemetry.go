// Package telemetry provides the shared structured-logging and metrics
// wiring every component logs through (§10, §12 "Structured logging"): a
// single logger threading trace_id/principal/channel/component fields, plus
// running counters for message processing, analysis rounds, tool
// execution, and reminder dispatch.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/familyassist/orchestrator/config"
)

// Telemetry aggregates the process-wide logger, metric counters, and the
// tracer/meter SDK providers every component draws spans and instruments
// from (§10: one span per orchestrator step, tool call, and LLM/embedding
// round-trip).
type Telemetry struct {
	cfg    config.TelemetryConfig
	logger *log.Logger

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	mu      sync.Mutex
	metrics Metrics
}

// Metrics is a snapshot-able set of running counters.
type Metrics struct {
	MessagesProcessed   int64
	MessagesFailed      int64
	AnalysisRounds      int64
	ToolStepsExecuted   int64
	ToolStepsFailed     int64
	RemindersDispatched int64
	TotalLLMCostUSD     float64
	TotalLLMTokens      int64
}

// New constructs a Telemetry instance writing through logger. If logger is
// nil, a default stdout logger is used.
func New(cfg config.TelemetryConfig, logger *log.Logger) *Telemetry {
	if logger == nil {
		logger = log.New(log.Writer(), "[telemetry] ", log.LstdFlags)
	}

	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider()
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Telemetry{cfg: cfg, logger: logger, tracerProvider: tp, meterProvider: mp}
}

// Tracer returns a named tracer drawn from the process-wide TracerProvider,
// for components to open their own spans (store.go's Meter-per-package
// convention, applied to tracing).
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.tracerProvider.Tracer(name)
}

// Shutdown flushes and releases the tracer/meter providers. Call once, at
// process exit.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		return err
	}
	return t.meterProvider.Shutdown(ctx)
}

// Fields is the structured key-value set every log line threads through
// (§12 "Structured logging"): trace_id, principal, channel, component.
type Fields struct {
	TraceID   string
	Principal string
	Channel   string
	Component string
}

func (f Fields) String() string {
	return fmt.Sprintf("trace_id=%s principal=%s channel=%s component=%s", f.TraceID, f.Principal, f.Channel, f.Component)
}

// Step logs one orchestrator step's completion, per §4.1's
// "step.{name}.completed" convention.
func (t *Telemetry) Step(f Fields, name string, elapsed time.Duration) {
	if !t.cfg.Enabled {
		return
	}
	t.logger.Printf("step.%s.completed elapsed_ms=%d %s", name, elapsed.Milliseconds(), f)
}

// MessageError logs the §4.1 failure-model event "message.process.error".
func (t *Telemetry) MessageError(f Fields, kind string, elapsed time.Duration, cause error) {
	t.mu.Lock()
	t.metrics.MessagesFailed++
	t.mu.Unlock()
	t.logger.Printf("message.process.error elapsed_ms=%d kind=%s cause=%v %s", elapsed.Milliseconds(), kind, cause, f)
}

// MessageProcessed records one completed message and its cost/token draw.
func (t *Telemetry) MessageProcessed(f Fields, elapsed time.Duration, costUSD float64, tokens int64) {
	t.mu.Lock()
	t.metrics.MessagesProcessed++
	t.metrics.TotalLLMCostUSD += costUSD
	t.metrics.TotalLLMTokens += tokens
	t.mu.Unlock()
	t.logger.Printf("message.process.completed elapsed_ms=%d cost_usd=%.4f tokens=%d %s", elapsed.Milliseconds(), costUSD, tokens, f)
}

// AnalysisRound logs one analysis round, including whether the engine
// decided to go deeper.
func (t *Telemetry) AnalysisRound(f Fields, round int, needsDeeper bool) {
	t.mu.Lock()
	t.metrics.AnalysisRounds++
	t.mu.Unlock()
	if !t.cfg.Enabled {
		return
	}
	t.logger.Printf("analysis.round.completed round=%d needs_deeper_analysis=%t %s", round, needsDeeper, f)
}

// ToolStep logs one tool-plan step's outcome.
func (t *Telemetry) ToolStep(f Fields, tool string, ok bool, elapsed time.Duration) {
	t.mu.Lock()
	t.metrics.ToolStepsExecuted++
	if !ok {
		t.metrics.ToolStepsFailed++
	}
	t.mu.Unlock()
	if !t.cfg.Enabled {
		return
	}
	t.logger.Printf("tool.step.completed tool=%s success=%t elapsed_ms=%d %s", tool, ok, elapsed.Milliseconds(), f)
}

// ReminderDispatched logs one reminder delivery attempt.
func (t *Telemetry) ReminderDispatched(f Fields, reminderID string, ok bool) {
	t.mu.Lock()
	if ok {
		t.metrics.RemindersDispatched++
	}
	t.mu.Unlock()
	t.logger.Printf("reminder.dispatch.completed reminder_id=%s success=%t %s", reminderID, ok, f)
}

// Snapshot returns a copy of the current counters.
func (t *Telemetry) Snapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

// Logger exposes the underlying structured logger for components that need
// to log outside the fixed event helpers above.
func (t *Telemetry) Logger() *log.Logger {
	return t.logger
}
