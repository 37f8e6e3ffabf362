// Package embedding fills the embedding columns of a table after rows were
// extracted into it and registers a similarity index for each of them.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/sqlagent/internal/extract"
	"github.com/kalambet/sqlagent/internal/retrieval"
	"github.com/kalambet/sqlagent/internal/storage"
)

// Separator joins source column values into one embedding input.
const Separator = " | "

const mappingPrompt = "Table has columns: %s\n\nFor the '%s' embedding column, which source columns should be embedded together?\nReturn ONLY comma-separated column names, no explanation.\nExample: title, description\n\nRelevant columns: "

// Chat asks the model which columns feed an embedding.
type Chat interface {
	Respond(ctx context.Context, prompt string) (string, error)
}

// Store writes embeddings into table rows.
type Store interface {
	EmbedColumn(ctx context.Context, table, column string, sources []string, sep string, embed storage.EmbedFunc) (int, error)
}

// Embedder produces vectors and reports their length.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension(ctx context.Context) (int, error)
}

// Index registers similarity indexes.
type Index interface {
	Init(ctx context.Context, table, column string, dimension int, elem retrieval.ElementType, dist retrieval.Distance) error
}

// ColumnReport is the outcome for one embedding column.
type ColumnReport struct {
	Column  string
	Sources []string
	Rows    int
	Indexed bool
	Err     error
}

// Report summarizes an orchestrator run.
type Report struct {
	Dimension int
	Columns   []ColumnReport
}

// Embedded returns the total number of rows that received a vector.
func (r Report) Embedded() int {
	n := 0
	for _, c := range r.Columns {
		n += c.Rows
	}
	return n
}

// Orchestrator maps, fills and indexes embedding columns.
type Orchestrator struct {
	chat     Chat
	store    Store
	embedder Embedder
	index    Index
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates an Orchestrator. A nil logger means slog.Default().
func New(chat Chat, store Store, embedder Embedder, index Index, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		chat:     chat,
		store:    store,
		embedder: embedder,
		index:    index,
		logger:   logger,
		tracer:   otel.Tracer("sqlagent/embedding"),
	}
}

// Run processes every embedding column of schema. Failures of a single
// column are logged and recorded in the report; Run itself does not fail.
func (o *Orchestrator) Run(ctx context.Context, table string, schema extract.Schema) Report {
	var rep Report
	cols := schema.EmbeddingColumns()
	if len(cols) == 0 {
		return rep
	}
	candidates := schema.TextColumns()

	for _, col := range cols {
		rep.Columns = append(rep.Columns, o.fill(ctx, table, col.Name, candidates))
	}

	dim, err := o.embedder.Dimension(ctx)
	if err != nil {
		o.logger.Warn("embedding dimension unavailable, skipping indexes", "table", table, "error", err)
		return rep
	}
	rep.Dimension = dim
	if dim <= 0 {
		return rep
	}
	for i, col := range cols {
		if err := o.index.Init(ctx, table, col.Name, dim, retrieval.Float32, retrieval.Cosine); err != nil {
			o.logger.Warn("index init failed", "table", table, "column", col.Name, "error", err)
			if rep.Columns[i].Err == nil {
				rep.Columns[i].Err = err
			}
			continue
		}
		rep.Columns[i].Indexed = true
		o.logger.Debug("index initialized", "table", table, "column", col.Name, "dimension", dim)
	}
	return rep
}

func (o *Orchestrator) fill(ctx context.Context, table, column string, candidates []string) ColumnReport {
	ctx, span := o.tracer.Start(ctx, "embedding.column", trace.WithAttributes(
		attribute.String("table", table),
		attribute.String("column", column),
	))
	defer span.End()

	rep := ColumnReport{Column: column}
	fail := func(err error) ColumnReport {
		o.logger.Warn("embedding column skipped", "table", table, "column", column, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rep.Err = err
		return rep
	}

	if len(candidates) == 0 {
		return fail(fmt.Errorf("no text columns to embed"))
	}
	answer, err := o.chat.Respond(ctx, fmt.Sprintf(mappingPrompt, strings.Join(candidates, ", "), column))
	if err != nil {
		return fail(fmt.Errorf("asking for source columns: %w", err))
	}
	rep.Sources = SelectColumns(answer, candidates)
	o.logger.Debug("embedding sources", "column", column, "answer", answer, "sources", rep.Sources)
	if len(rep.Sources) == 0 {
		return fail(fmt.Errorf("model named no known columns: %q", answer))
	}

	n, err := o.store.EmbedColumn(ctx, table, column, rep.Sources, Separator, o.embedder.Embed)
	if err != nil {
		return fail(err)
	}
	rep.Rows = n
	span.SetAttributes(attribute.Int("rows", n))
	o.logger.Info("embeddings written", "table", table, "column", column, "rows", n)
	return rep
}

// SelectColumns parses a comma-separated answer and keeps the names that
// are candidates, in answer order and without repeats. Matching ignores
// case and surrounding quotes; the candidate spelling is returned.
func SelectColumns(answer string, candidates []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(answer, func(r rune) bool { return r == ',' || r == '\n' }) {
		tok = strings.Trim(strings.TrimSpace(tok), "`'\".")
		if tok == "" {
			continue
		}
		for _, c := range candidates {
			if strings.EqualFold(tok, c) && !seen[c] {
				seen[c] = true
				out = append(out, c)
				break
			}
		}
	}
	return out
}
