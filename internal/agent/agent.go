// Package agent drives a chat model through bounded iterations of tool
// calls toward a goal. Without a table the final model answer is the
// result; with a table the gathered tool output is extracted into rows.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/sqlagent/internal/embedding"
	"github.com/kalambet/sqlagent/internal/extract"
	"github.com/kalambet/sqlagent/internal/guard"
	"github.com/kalambet/sqlagent/internal/storage"
	"github.com/kalambet/sqlagent/internal/toolcall"
)

var (
	// ErrConfiguration reports a run that cannot start: empty goal, missing
	// tool server or chat model, or a table without columns.
	ErrConfiguration = errors.New("configuration error")
	// ErrStorage reports a failed schema read or row insert.
	ErrStorage = errors.New("storage error")
	// ErrExtraction reports a failed extraction request.
	ErrExtraction = errors.New("extraction error")
)

// Defaults applied by Config.
const (
	DefaultMaxIterations   = 5
	DefaultHistoryCapacity = 32768
	DefaultExtractionSlice = 6000
	DefaultMaxContextSize  = 32768
	// fallbackContextSize sizes the extraction context when neither the
	// model nor the session report one.
	fallbackContextSize = 8192
)

// Mode is the operating mode of a run.
type Mode string

const (
	ModeFreeForm Mode = "freeform"
	ModeTable    Mode = "table"
)

// StopReason tells why a run stopped iterating.
type StopReason string

const (
	StopNoResponse      StopReason = "no_response"
	StopDone            StopReason = "done"
	StopFinalAnswer     StopReason = "final_answer"
	StopToolUnreachable StopReason = "tool_unreachable"
	StopExhausted       StopReason = "exhausted"
	StopRepeatedFailure StopReason = "repeated_failure"
)

// Goal is one agent task.
type Goal struct {
	Text string
	// Table selects table mode when non-empty.
	Table string
	// MaxIterations bounds the loop; zero means the configured default.
	MaxIterations int
	// SystemPrompt replaces the built-in prompt when non-empty.
	SystemPrompt string
}

// Mode returns the mode the goal runs in.
func (g Goal) Mode() Mode {
	if g.Table == "" {
		return ModeFreeForm
	}
	return ModeTable
}

// ParseArgs builds a Goal from positional arguments
// (goal, [table_name], [max_iterations], [system_prompt]). An integer
// second argument is an iteration count with no table; an empty one
// selects free-form mode.
func ParseArgs(args []string) (Goal, error) {
	if len(args) < 1 || len(args) > 4 {
		return Goal{}, fmt.Errorf("%w: expected 1-4 arguments (goal, [table_name], [max_iterations], [system_prompt]), got %d",
			ErrConfiguration, len(args))
	}
	g := Goal{Text: args[0]}
	if len(args) >= 2 {
		if n, err := strconv.Atoi(strings.TrimSpace(args[1])); err == nil {
			if n < 1 {
				return Goal{}, fmt.Errorf("%w: max_iterations must be at least 1", ErrConfiguration)
			}
			g.MaxIterations = n
		} else {
			g.Table = args[1]
		}
	}
	if len(args) >= 3 {
		n, err := strconv.Atoi(strings.TrimSpace(args[2]))
		if err != nil || n < 1 {
			return Goal{}, fmt.Errorf("%w: max_iterations must be a positive integer, got %q", ErrConfiguration, args[2])
		}
		g.MaxIterations = n
	}
	if len(args) == 4 {
		g.SystemPrompt = args[3]
	}
	return g, nil
}

// Result is the outcome of a run. In table mode Text holds the raw
// extraction answer and Rows the number of inserted rows.
type Result struct {
	RunID      string
	Mode       Mode
	Text       string
	Rows       int
	Embedded   int
	Iterations int
	ToolCalls  int
	StopReason StopReason
	// Truncated reports that the collected history hit its capacity.
	Truncated bool
}

// Chat is a stateful conversation with the model.
type Chat interface {
	CreateContext(ctx context.Context, size int) error
	Respond(ctx context.Context, prompt string) (string, error)
	ContextSize() int
	MaxContextSize(ctx context.Context) int
}

// ToolCatalog lists and invokes external tools.
type ToolCatalog interface {
	ListTools(ctx context.Context) (string, error)
	CallTool(ctx context.Context, name, args string) (string, error)
}

// Store is the tabular storage used in table mode.
type Store interface {
	TableSchema(ctx context.Context, table string) (extract.Schema, error)
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int, error)
	EmbedColumn(ctx context.Context, table, column string, sources []string, sep string, embed storage.EmbedFunc) (int, error)
}

// Embedder and Index are needed only for tables with embedding columns.
type (
	Embedder = embedding.Embedder
	Index    = embedding.Index
)

// Config tunes a Runner. Zero fields take the package defaults.
type Config struct {
	MaxIterations   int
	HistoryCapacity int
	// ExtractionSlice is how many bytes of history the extraction prompt
	// carries.
	ExtractionSlice int
	// MaxContextSize caps the extraction context.
	MaxContextSize int
	ErrorMarkers   []string
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = DefaultHistoryCapacity
	}
	if c.ExtractionSlice <= 0 {
		c.ExtractionSlice = DefaultExtractionSlice
	}
	if c.MaxContextSize <= 0 {
		c.MaxContextSize = DefaultMaxContextSize
	}
	return c
}

// Deps are the collaborators of a Runner. Store is required in table mode;
// Embedder and Index enable the embedding step.
type Deps struct {
	Chat     Chat
	Tools    ToolCatalog
	Store    Store
	Embedder Embedder
	Index    Index
	Logger   *slog.Logger
	Metrics  *Metrics
}

// Runner executes goals. It owns a chat session and must not be used by
// concurrent runs.
type Runner struct {
	deps     Deps
	cfg      Config
	classify guard.Classifier
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates a Runner.
func New(deps Deps, cfg Config) *Runner {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	classify := guard.DefaultClassifier()
	if len(cfg.ErrorMarkers) > 0 {
		classify = guard.Classifier{guard.ContainsAny(cfg.ErrorMarkers...)}
	}
	return &Runner{
		deps:     deps,
		cfg:      cfg,
		classify: classify,
		logger:   logger,
		tracer:   otel.Tracer("sqlagent/agent"),
	}
}

// Run executes goal. On error the Result still carries the run ID and the
// progress made before the failure.
func (r *Runner) Run(ctx context.Context, goal Goal) (res Result, err error) {
	res = Result{RunID: uuid.NewString(), Mode: goal.Mode()}
	if goal.MaxIterations == 0 {
		goal.MaxIterations = r.cfg.MaxIterations
	}
	if err := r.validate(goal); err != nil {
		return res, err
	}

	ctx, span := r.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("run_id", res.RunID),
		attribute.String("mode", string(res.Mode)),
		attribute.Int("max_iterations", goal.MaxIterations),
	))
	start := time.Now()
	logger := r.logger.With("run_id", res.RunID, "mode", res.Mode)
	logger.Debug("run started", "goal", goal.Text, "table", goal.Table, "max_iterations", goal.MaxIterations)

	defer func() {
		span.SetAttributes(
			attribute.String("stop_reason", string(res.StopReason)),
			attribute.Int("iterations", res.Iterations),
			attribute.Int("tool_calls", res.ToolCalls),
			attribute.Int("rows", res.Rows),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.deps.Metrics.observeRun(res, time.Since(start), err)
		logger.Info("run finished", "stop_reason", res.StopReason, "iterations", res.Iterations,
			"tool_calls", res.ToolCalls, "rows", res.Rows, "error", err)
	}()

	if res.Mode == ModeFreeForm {
		err = r.runFreeForm(ctx, goal, &res, logger)
	} else {
		err = r.runTable(ctx, goal, &res, logger)
	}
	return res, err
}

func (r *Runner) validate(g Goal) error {
	switch {
	case strings.TrimSpace(g.Text) == "":
		return fmt.Errorf("%w: goal must be non-empty", ErrConfiguration)
	case g.MaxIterations < 1:
		return fmt.Errorf("%w: max_iterations must be at least 1", ErrConfiguration)
	case r.deps.Chat == nil:
		return fmt.Errorf("%w: no chat model", ErrConfiguration)
	case r.deps.Tools == nil:
		return fmt.Errorf("%w: not connected to a tool server", ErrConfiguration)
	case g.Table != "" && r.deps.Store == nil:
		return fmt.Errorf("%w: table mode needs a database", ErrConfiguration)
	}
	return nil
}

// listTools fetches the tool catalog.
func (r *Runner) listTools(ctx context.Context) (string, error) {
	catalog, err := r.deps.Tools.ListTools(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: not connected to a tool server: %w", ErrConfiguration, err)
	}
	return catalog, nil
}

func (r *Runner) createContext(ctx context.Context, size int, logger *slog.Logger) error {
	if err := r.deps.Chat.CreateContext(ctx, size); err != nil {
		return fmt.Errorf("%w: creating chat context: %w", ErrConfiguration, err)
	}
	logger.Debug("chat context created", "size", size)
	return nil
}

func (r *Runner) respond(ctx context.Context, prompt string, iteration int) (string, error) {
	ctx, span := r.tracer.Start(ctx, "agent.respond", trace.WithAttributes(
		attribute.Int("iteration", iteration),
		attribute.Int("prompt_bytes", len(prompt)),
	))
	defer span.End()

	reply, err := r.deps.Chat.Respond(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("reply_bytes", len(reply)))
	return reply, nil
}

// callTool invokes inv. A non-nil error means the tool server could not
// be reached.
func (r *Runner) callTool(ctx context.Context, inv toolcall.Invocation) (string, error) {
	ctx, span := r.tracer.Start(ctx, "agent.tool_call", trace.WithAttributes(
		attribute.String("tool", inv.Name),
	))
	defer span.End()

	out, err := r.deps.Tools.CallTool(ctx, inv.Name, inv.Args)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.deps.Metrics.toolCall(outcomeUnreachable)
		return "", err
	case r.classify.IsError(out):
		span.SetAttributes(attribute.Bool("tool_error", true))
		r.deps.Metrics.toolCall(outcomeError)
	default:
		r.deps.Metrics.toolCall(outcomeOK)
	}
	span.SetAttributes(attribute.Int("result_bytes", len(out)))
	return out, nil
}
