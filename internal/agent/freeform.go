package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kalambet/sqlagent/internal/budget"
	"github.com/kalambet/sqlagent/internal/toolcall"
)

// doneSentinel ends a run when it appears anywhere in a model reply.
const doneSentinel = "DONE"

// runFreeForm sends the same prompt every iteration and follows free-form
// tool calls until the model answers without one, says DONE, or the
// iterations run out. Tool errors are retried without the repeated-failure
// guard.
func (r *Runner) runFreeForm(ctx context.Context, g Goal, res *Result, logger *slog.Logger) error {
	catalog, err := r.listTools(ctx)
	if err != nil {
		return err
	}
	logger.Debug("tool catalog received", "bytes", len(catalog))

	size := budget.BaseContextSize(len(catalog), r.deps.Chat.ContextSize())
	if err := r.createContext(ctx, size, logger); err != nil {
		return err
	}

	prompt := g.SystemPrompt
	if prompt == "" {
		prompt = freeFormPrompt(catalog, g.Text)
	}

	last := ""
	for i := 1; i <= g.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Iterations = i
		logger.Debug("iteration", "n", i, "of", g.MaxIterations)

		reply, err := r.respond(ctx, prompt, i)
		if err != nil || reply == "" {
			logger.Warn("no response from model, ending run", "iteration", i, "error", err)
			res.Text, res.StopReason = last, StopNoResponse
			return nil
		}
		logger.Debug("model reply", "bytes", len(reply), "reply", reply)

		if strings.Contains(reply, doneSentinel) {
			res.Text, res.StopReason = reply, StopDone
			return nil
		}
		inv, ok := toolcall.Parse(toolcall.FreeForm, reply)
		if !ok {
			logger.Debug("no tool call, treating reply as final answer")
			res.Text, res.StopReason = reply, StopFinalAnswer
			return nil
		}

		logger.Debug("tool call", "tool", inv.Name, "args", inv.Args)
		res.ToolCalls++
		out, err := r.callTool(ctx, inv)
		if err != nil {
			logger.Warn("tool call failed", "tool", inv.Name, "error", err)
			res.Text, res.StopReason = unreachablePayload(inv.Name), StopToolUnreachable
			return nil
		}
		logger.Debug("tool result", "tool", inv.Name, "bytes", len(out))
		last = out
		if r.classify.IsError(out) {
			logger.Info("tool returned an error, retrying", "tool", inv.Name, "iteration", i)
		}
	}

	res.Text, res.StopReason = last, StopExhausted
	return nil
}
