package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/sqlagent/internal/agent"
	"github.com/kalambet/sqlagent/internal/retrieval"
	"github.com/kalambet/sqlagent/internal/storage"
)

// Agent runs one goal. Implementations build a fresh runner per call, so
// concurrent requests do not share chat history.
type Agent interface {
	Run(ctx context.Context, g agent.Goal) (agent.Result, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, g agent.Goal) (agent.Result, error)

func (f AgentFunc) Run(ctx context.Context, g agent.Goal) (agent.Result, error) {
	return f(ctx, g)
}

// RunStore persists the run log.
type RunStore interface {
	SaveRun(ctx context.Context, r storage.Run) error
	GetRun(ctx context.Context, id string) (storage.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]storage.Run, error)
}

// Searcher answers similarity queries over indexed embedding columns.
type Searcher interface {
	Retrieve(ctx context.Context, table, column, query string, topK int) ([]retrieval.Match, error)
}

// IndexLister reports the registered vector indexes.
type IndexLister interface {
	List(ctx context.Context) ([]retrieval.IndexInfo, error)
}

// Execute runs g and records the outcome in the run log, failed runs
// included. A failure to record is logged and does not mask the run error.
func Execute(ctx context.Context, a Agent, runs RunStore, g agent.Goal, logger *slog.Logger) (agent.Result, storage.Run, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	res, runErr := a.Run(ctx, g)

	rec := storage.Run{
		ID:         res.RunID,
		CreatedAt:  start.UTC(),
		Goal:       g.Text,
		TableName:  g.Table,
		Mode:       string(g.Mode()),
		StopReason: string(res.StopReason),
		Result:     res.Text,
		Rows:       res.Rows,
		Iterations: res.Iterations,
		ToolCalls:  res.ToolCalls,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if rec.ID == "" || runs == nil {
		return res, rec, runErr
	}
	// The run may have been cancelled; the record is still written.
	if err := runs.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("recording run failed", "run_id", rec.ID, "error", err)
	}
	return res, rec, runErr
}

// errorKind maps agent failures to an HTTP status and error type.
func errorKind(err error) (int, string) {
	switch {
	case errors.Is(err, agent.ErrConfiguration):
		return 400, "invalid_request_error"
	case errors.Is(err, agent.ErrExtraction):
		return 502, "model_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return 503, "cancelled"
	default:
		return 500, "api_error"
	}
}

type runJSON struct {
	ID            string `json:"id"`
	CreatedAt     string `json:"created_at"`
	Goal          string `json:"goal"`
	Table         string `json:"table,omitempty"`
	Mode          string `json:"mode"`
	StopReason    string `json:"stop_reason,omitempty"`
	Result        string `json:"result"`
	Rows          int    `json:"rows"`
	Iterations    int    `json:"iterations"`
	ToolCalls     int    `json:"tool_calls"`
	DurationMs    int64  `json:"duration_ms"`
	Error         string `json:"error,omitempty"`
	Embedded      int    `json:"embedded,omitempty"`
	HistoryCapped bool   `json:"history_truncated,omitempty"`
}

func toRunJSON(r storage.Run) runJSON {
	return runJSON{
		ID:         r.ID,
		CreatedAt:  r.CreatedAt.Format(time.RFC3339),
		Goal:       r.Goal,
		Table:      r.TableName,
		Mode:       r.Mode,
		StopReason: r.StopReason,
		Result:     r.Result,
		Rows:       r.Rows,
		Iterations: r.Iterations,
		ToolCalls:  r.ToolCalls,
		DurationMs: r.DurationMs,
		Error:      r.Error,
	}
}

// resultJSON adds the fields only known right after a run.
func resultJSON(rec storage.Run, res agent.Result) runJSON {
	out := toRunJSON(rec)
	out.Embedded = res.Embedded
	out.HistoryCapped = res.Truncated
	return out
}

type matchJSON struct {
	RowID  int64          `json:"row_id"`
	Score  float32        `json:"score"`
	Values map[string]any `json:"values"`
}

func toMatchJSON(ms []retrieval.Match) []matchJSON {
	out := make([]matchJSON, len(ms))
	for i, m := range ms {
		out[i] = matchJSON{RowID: m.RowID, Score: m.Score, Values: m.Values}
	}
	return out
}

type indexJSON struct {
	Table       string    `json:"table"`
	Column      string    `json:"column"`
	Dimension   int       `json:"dimension"`
	ElementType string    `json:"element_type"`
	Distance    string    `json:"distance"`
	CreatedAt   time.Time `json:"created_at"`
}

func toIndexJSON(infos []retrieval.IndexInfo) []indexJSON {
	out := make([]indexJSON, len(infos))
	for i, x := range infos {
		out[i] = indexJSON{
			Table:       x.Table,
			Column:      x.Column,
			Dimension:   x.Dimension,
			ElementType: string(x.ElementType),
			Distance:    string(x.Distance),
			CreatedAt:   x.CreatedAt,
		}
	}
	return out
}
