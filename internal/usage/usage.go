// Package usage implements the Usage Recorder (C10): one append-only
// structured log event per chat response. There is no dedicated
// metrics/billing backend in this gateway's stack, so usage events ride the
// same structured logger as everything else.
package usage

import (
	"context"
	"log/slog"
)

// Outcome classifies how a chat request ended.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeRejected      Outcome = "rejected"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeCancelled     Outcome = "cancelled"
)

// Event is one usage record. Either UserID or IPHash is set, never both.
type Event struct {
	UserID  string
	IPHash  string
	Tier    string
	ModelID string

	InputTokens  int
	OutputTokens int
	// CostMilliCents is cost in 1/1000-cent units, derived from the
	// catalog's per-K prices, so it stays an exact integer end to end.
	CostMilliCents int64

	ElapsedMs int64
	Outcome   Outcome
}

// Sink is an optional secondary destination (e.g. an external error/metrics
// collector) usage events are also best-effort forwarded to.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// Recorder emits one structured log line per event and, if configured, also
// best-effort forwards to a secondary Sink. A Record call never returns an
// error: usage accounting must never fail the request it is recording.
type Recorder struct {
	logger *slog.Logger
	sink   Sink
}

func New(logger *slog.Logger, sink Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger, sink: sink}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	attrs := []any{
		"component", "usage",
		"tier", e.Tier,
		"modelId", e.ModelID,
		"inputTokens", e.InputTokens,
		"outputTokens", e.OutputTokens,
		"costMilliCents", e.CostMilliCents,
		"elapsedMs", e.ElapsedMs,
		"outcome", string(e.Outcome),
	}
	if e.UserID != "" {
		attrs = append(attrs, "userId", e.UserID)
	} else if e.IPHash != "" {
		attrs = append(attrs, "ipHash", e.IPHash)
	}

	r.logger.LogAttrs(ctx, slog.LevelInfo, "usage event", slog.Group("usage", attrs...))

	if r.sink == nil {
		return
	}
	if err := r.sink.Record(ctx, e); err != nil {
		r.logger.WarnContext(ctx, "usage sink forward failed", "error", err)
	}
}

// CostMilliCents computes cost in 1/1000-cent units from per-1k-token prices
// expressed in dollars, matching the catalog's pricePerKInput/Output fields.
func CostMilliCents(inputTokens, outputTokens int, pricePerKInput, pricePerKOutput float64) int64 {
	dollars := (float64(inputTokens)/1000)*pricePerKInput + (float64(outputTokens)/1000)*pricePerKOutput
	return int64(dollars * 100 * 1000)
}
