package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/sqlagent/internal/budget"
	"github.com/kalambet/sqlagent/internal/embedding"
	"github.com/kalambet/sqlagent/internal/extract"
	"github.com/kalambet/sqlagent/internal/guard"
	"github.com/kalambet/sqlagent/internal/toolcall"
)

// runTable collects tool output into a transcript, asks the model to turn
// it into a JSON array matching the table, inserts the rows and fills any
// embedding columns.
func (r *Runner) runTable(ctx context.Context, g Goal, res *Result, logger *slog.Logger) error {
	schema, err := r.deps.Store.TableSchema(ctx, g.Table)
	if err != nil {
		return fmt.Errorf("%w: reading schema of %s: %w", ErrStorage, g.Table, err)
	}
	if len(schema) == 0 {
		return fmt.Errorf("%w: table %s does not exist or has no columns", ErrConfiguration, g.Table)
	}
	schemaDesc := describeSchema(schema)

	catalog, err := r.listTools(ctx)
	if err != nil {
		return err
	}

	prompt := g.SystemPrompt
	if prompt == "" {
		prompt = tablePrompt(catalog, schemaDesc, g.Text)
	}

	size := budget.BaseContextSize(len(catalog), r.deps.Chat.ContextSize())
	if err := r.createContext(ctx, size, logger); err != nil {
		return err
	}
	limit := budget.TruncateLength(size, len(catalog), len(prompt), g.MaxIterations)
	logger.Debug("budget", "context", size, "catalog", len(catalog), "prompt", len(prompt), "truncate_at", limit)

	history := NewTranscript(r.cfg.HistoryCapacity)
	if err := r.collect(ctx, g, prompt, limit, history, res, logger); err != nil {
		return err
	}
	res.Truncated = history.Truncated()
	logger.Debug("collection finished", "stop_reason", res.StopReason, "history_bytes", history.Len())

	answer, err := r.extract(ctx, schemaDesc, history, logger)
	if err != nil {
		return err
	}
	res.Text = answer

	rows := extract.Rows(answer, schema)
	n, err := r.deps.Store.InsertRows(ctx, g.Table, schema.ValueNames(), rows)
	if err != nil {
		return fmt.Errorf("%w: inserting into %s: %w", ErrStorage, g.Table, err)
	}
	res.Rows = n
	logger.Info("rows inserted", "table", g.Table, "rows", n)

	if n > 0 && len(schema.EmbeddingColumns()) > 0 {
		if r.deps.Embedder == nil || r.deps.Index == nil {
			logger.Warn("table has embedding columns but no embedder is configured", "table", g.Table)
			return nil
		}
		rep := embedding.New(r.deps.Chat, r.deps.Store, r.deps.Embedder, r.deps.Index, logger).Run(ctx, g.Table, schema)
		res.Embedded = rep.Embedded()
	}
	return nil
}

func (r *Runner) collect(ctx context.Context, g Goal, prompt string, limit int, history *Transcript, res *Result, logger *slog.Logger) error {
	gd := guard.New(r.classify)
	res.StopReason = StopExhausted

	for i := 1; i <= g.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Iterations = i
		msg := continuePrompt
		if i == 1 {
			msg = prompt
		}

		reply, err := r.respond(ctx, msg, i)
		if err != nil {
			logger.Warn("model turn failed", "iteration", i, "error", err)
			continue
		}
		if reply == "" {
			logger.Warn("empty model reply, ending collection", "iteration", i)
			res.StopReason = StopNoResponse
			return nil
		}
		logger.Debug("model reply", "iteration", i, "reply", reply)
		if strings.Contains(reply, doneSentinel) {
			res.StopReason = StopDone
			return nil
		}

		inv, ok := toolcall.Parse(toolcall.JSON, reply)
		if !ok {
			logger.Debug("could not parse tool call", "iteration", i)
			continue
		}
		logger.Debug("tool call", "tool", inv.Name, "args", inv.Args)

		if hasTemplateSyntax(inv.Args) {
			logger.Warn("tool args contain template syntax, skipping call", "tool", inv.Name)
			r.deps.Metrics.toolCall(outcomeRejected)
			history.Append(templateNote(inv.Args))
			continue
		}

		res.ToolCalls++
		out, err := r.callTool(ctx, inv)
		if err != nil {
			logger.Warn("tool call failed", "tool", inv.Name, "error", err)
			out = failurePayload(inv.Name, err)
		}
		if gd.Observe(out) {
			logger.Info("tool returned an error", "tool", inv.Name, "consecutive", gd.Count())
			if gd.ShouldAbort() {
				logger.Warn("stopping after repeated identical tool errors", "tool", inv.Name, "count", gd.Count())
				res.StopReason = StopRepeatedFailure
				return nil
			}
		}

		if len(out) > limit {
			logger.Debug("tool result truncated", "tool", inv.Name, "bytes", len(out), "limit", limit)
		}
		history.Append(resultLine(inv.Name, out, limit))
	}
	return nil
}

// extract re-creates the chat context at extraction size and asks for the
// JSON array. An empty answer becomes "[]".
func (r *Runner) extract(ctx context.Context, schemaDesc string, history *Transcript, logger *slog.Logger) (string, error) {
	size := r.extractionContextSize(ctx)
	if err := r.deps.Chat.CreateContext(ctx, size); err != nil {
		return "", fmt.Errorf("%w: creating extraction context: %w", ErrExtraction, err)
	}
	logger.Debug("extraction context created", "size", size)

	answer, err := r.respond(ctx, extractionPrompt(schemaDesc, history.Prefix(r.cfg.ExtractionSlice)), 0)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	if strings.TrimSpace(answer) == "" {
		answer = "[]"
	}
	logger.Debug("extraction answer", "bytes", len(answer), "answer", answer)
	return answer, nil
}

// extractionContextSize prefers the model's trained context, capped by
// the configured maximum, then the current context, then a fixed default.
func (r *Runner) extractionContextSize(ctx context.Context) int {
	size := r.deps.Chat.MaxContextSize(ctx)
	if size <= 0 {
		size = r.deps.Chat.ContextSize()
	}
	if size <= 0 {
		size = fallbackContextSize
	}
	if size > r.cfg.MaxContextSize {
		size = r.cfg.MaxContextSize
	}
	return size
}
