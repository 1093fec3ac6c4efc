package relay

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dorkos-sh/dorkos/internal/ids"
	"github.com/dorkos-sh/dorkos/internal/storage"
)

//go:embed migrations/traces/*.sql migrations/bindings/*.sql
var migrationFS embed.FS

// Span kinds.
const (
	SpanPublish    = "publish"
	SpanRoute      = "route"
	SpanDeliver    = "deliver"
	SpanAdapterIn  = "adapter-ingress"
	SpanAdapterOut = "adapter-egress"
	SpanDeadLetter = "dead-letter"
)

// Dead-letter reasons.
const (
	ReasonAccessDenied        = "access_denied"
	ReasonTTLExpired          = "ttl_expired"
	ReasonHopsExhausted       = "hops_exhausted"
	ReasonCallBudgetExhausted = "call_budget_exhausted"
	ReasonDeliveryFailed      = "delivery_failed"
)

// DefaultTraceRetention bounds the metrics window and the pruner.
const DefaultTraceRetention = 7 * 24 * time.Hour

// Span is one immutable observability record.
type Span struct {
	TraceID      string         `json:"traceId"`
	SpanID       string         `json:"spanId"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	MessageID    string         `json:"messageId"`
	Kind         string         `json:"kind"`
	Subject      string         `json:"subject"`
	Status       string         `json:"status"`
	StartTs      int64          `json:"startTs"`
	EndTs        int64          `json:"endTs,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// LatencyStats are deliver-latency percentiles in milliseconds.
type LatencyStats struct {
	Count int64   `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Metrics is the on-demand aggregate over the retention window.
type Metrics struct {
	SpanCounts  map[string]int64        `json:"spanCounts"`  // kind → count
	Deliver     map[string]LatencyStats `json:"deliver"`     // subject prefix → stats
	DeadLetters map[string]int64        `json:"deadLetters"` // reason → count
	WindowHours int                     `json:"windowHours"`
}

// TraceStore persists spans in SQLite and answers trace queries.
type TraceStore struct {
	db        *sql.DB
	gen       *ids.Generator
	logger    *slog.Logger
	retention time.Duration
	now       func() time.Time

	closeOnce sync.Once
}

func NewTraceStore(path string, gen *ids.Generator, logger *slog.Logger) (*TraceStore, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(db, migrationFS, "migrations/traces"); err != nil {
		db.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TraceStore{
		db:        db,
		gen:       gen,
		logger:    logger,
		retention: DefaultTraceRetention,
		now:       time.Now,
	}, nil
}

// Append writes one span. Missing span IDs are assigned. Errors are
// returned so callers can decide; the publish pipeline logs and continues.
func (t *TraceStore) Append(span Span) error {
	if span.SpanID == "" {
		span.SpanID = t.gen.New()
	}
	var meta any
	if span.Metadata != nil {
		b, err := json.Marshal(span.Metadata)
		if err != nil {
			return fmt.Errorf("span metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := t.db.Exec(`
		INSERT INTO spans (trace_id, span_id, parent_span_id, message_id, kind, subject, status, start_ts, end_ts, error, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		span.TraceID, span.SpanID, nullable(span.ParentSpanID), span.MessageID,
		span.Kind, span.Subject, span.Status, span.StartTs,
		nullableInt(span.EndTs), nullable(span.Error), meta,
	)
	return err
}

// SpanByMessageID returns the earliest span for a message.
func (t *TraceStore) SpanByMessageID(messageID string) (Span, error) {
	row := t.db.QueryRow(selectSpans+`WHERE message_id = ? ORDER BY start_ts LIMIT 1`, messageID)
	return scanSpan(row)
}

// Trace returns all spans of a trace ordered by start time.
func (t *TraceStore) Trace(traceID string) ([]Span, error) {
	rows, err := t.db.Query(selectSpans+`WHERE trace_id = ? ORDER BY start_ts, span_id`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spans []Span
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span)
	}
	return spans, rows.Err()
}

// Metrics aggregates counters and deliver-latency percentiles over the
// retention window.
func (t *TraceStore) Metrics() (Metrics, error) {
	since := t.now().Add(-t.retention).UnixMilli()
	m := Metrics{
		SpanCounts:  make(map[string]int64),
		Deliver:     make(map[string]LatencyStats),
		DeadLetters: make(map[string]int64),
		WindowHours: int(t.retention.Hours()),
	}

	rows, err := t.db.Query(`SELECT kind, COUNT(*) FROM spans WHERE start_ts >= ? GROUP BY kind`, since)
	if err != nil {
		return m, err
	}
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return m, err
		}
		m.SpanCounts[kind] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return m, err
	}

	rows, err = t.db.Query(`
		SELECT subject, start_ts, end_ts FROM spans
		WHERE kind = ? AND start_ts >= ? AND end_ts IS NOT NULL`, SpanDeliver, since)
	if err != nil {
		return m, err
	}
	latencies := make(map[string][]float64)
	for rows.Next() {
		var subject string
		var start, end int64
		if err := rows.Scan(&subject, &start, &end); err != nil {
			rows.Close()
			return m, err
		}
		prefix := subjectPrefix(subject)
		latencies[prefix] = append(latencies[prefix], float64(end-start))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return m, err
	}
	for prefix, vals := range latencies {
		sort.Float64s(vals)
		m.Deliver[prefix] = LatencyStats{
			Count: int64(len(vals)),
			P50:   percentile(vals, 0.50),
			P95:   percentile(vals, 0.95),
			P99:   percentile(vals, 0.99),
		}
	}

	rows, err = t.db.Query(`
		SELECT COALESCE(error, ''), COUNT(*) FROM spans
		WHERE kind = ? AND start_ts >= ? GROUP BY error`, SpanDeadLetter, since)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		var reason string
		var n int64
		if err := rows.Scan(&reason, &n); err != nil {
			return m, err
		}
		if reason == "" {
			reason = "unknown"
		}
		m.DeadLetters[reason] = n
	}
	return m, rows.Err()
}

// Prune deletes spans older than the retention window.
func (t *TraceStore) Prune() (int64, error) {
	cutoff := t.now().Add(-t.retention).UnixMilli()
	res, err := t.db.Exec(`DELETE FROM spans WHERE start_ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartPruner runs Prune periodically until ctx ends.
func (t *TraceStore) StartPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := t.Prune(); err != nil {
					t.logger.Warn("trace.prune.failed", "error", err)
				} else if n > 0 {
					t.logger.Debug("trace.pruned", "spans", n)
				}
			}
		}
	}()
}

// Close is idempotent.
func (t *TraceStore) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.db.Close() })
	return err
}

const selectSpans = `
	SELECT trace_id, span_id, COALESCE(parent_span_id, ''), message_id, kind,
	       subject, status, start_ts, COALESCE(end_ts, 0), COALESCE(error, ''),
	       metadata
	FROM spans `

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpan(row rowScanner) (Span, error) {
	var span Span
	var meta sql.NullString
	err := row.Scan(&span.TraceID, &span.SpanID, &span.ParentSpanID, &span.MessageID,
		&span.Kind, &span.Subject, &span.Status, &span.StartTs, &span.EndTs,
		&span.Error, &meta)
	if err != nil {
		return Span{}, err
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &span.Metadata)
	}
	return span, nil
}

// subjectPrefix buckets a subject by its first two tokens.
func subjectPrefix(subject string) string {
	toks := strings.SplitN(subject, ".", 3)
	if len(toks) <= 2 {
		return subject
	}
	return toks[0] + "." + toks[1]
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
