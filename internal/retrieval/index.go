package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kalambet/sqlagent/internal/storage"
)

// ElementType is the stored vector element encoding.
type ElementType string

// Distance is the similarity metric of an index.
type Distance string

const (
	Float32 ElementType = "FLOAT32"
	Cosine  Distance    = "cosine"
)

// ErrNoIndex is returned when searching a column that was never indexed.
var ErrNoIndex = errors.New("no vector index for column")

// IndexInfo describes one registered vector index.
type IndexInfo struct {
	Table       string
	Column      string
	Dimension   int
	ElementType ElementType
	Distance    Distance
	CreatedAt   time.Time
}

// Match is one search hit. Values holds the row's non-BLOB columns.
type Match struct {
	RowID  int64
	Score  float32
	Values map[string]any
}

// Index keeps a registry of embedding columns and answers brute-force
// cosine similarity queries over them. Vectors live in the indexed table
// itself as little-endian float32 blobs.
//
// Queries scan every row of the table; past a few hundred thousand rows an
// ANN-capable backend is the better fit.
type Index struct {
	db *sql.DB
}

// NewIndex wraps an existing *sql.DB. The vector_indexes table must already
// exist (created via storage migrations).
func NewIndex(db *sql.DB) *Index {
	return &Index{db: db}
}

// Init registers table.column as an index of the given dimension. Calling it
// again for the same column replaces the previous definition, so a column
// never has more than one index.
func (x *Index) Init(ctx context.Context, table, column string, dimension int, elem ElementType, dist Distance) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid dimension %d for %s.%s", dimension, table, column)
	}
	if elem != Float32 {
		return fmt.Errorf("unsupported element type %q", elem)
	}
	if dist != Cosine {
		return fmt.Errorf("unsupported distance %q", dist)
	}
	_, err := x.db.ExecContext(ctx, `
		INSERT INTO vector_indexes (table_name, column_name, dimension, element_type, distance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, column_name) DO UPDATE SET
			dimension = excluded.dimension,
			element_type = excluded.element_type,
			distance = excluded.distance,
			created_at = excluded.created_at`,
		table, column, dimension, string(elem), string(dist), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("initializing index on %s.%s: %w", table, column, err)
	}
	return nil
}

// Get returns the index registered for table.column or ErrNoIndex.
func (x *Index) Get(ctx context.Context, table, column string) (IndexInfo, error) {
	row := x.db.QueryRowContext(ctx, `
		SELECT table_name, column_name, dimension, element_type, distance, created_at
		FROM vector_indexes WHERE table_name = ? AND column_name = ?`, table, column)
	info, err := scanIndexInfo(row)
	if err == sql.ErrNoRows {
		return IndexInfo{}, fmt.Errorf("%w: %s.%s", ErrNoIndex, table, column)
	}
	return info, err
}

// List returns all registered indexes ordered by table and column.
func (x *Index) List(ctx context.Context) ([]IndexInfo, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT table_name, column_name, dimension, element_type, distance, created_at
		FROM vector_indexes ORDER BY table_name, column_name`)
	if err != nil {
		return nil, fmt.Errorf("listing indexes: %w", err)
	}
	defer rows.Close()

	var out []IndexInfo
	for rows.Next() {
		info, err := scanIndexInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIndexInfo(sc rowScanner) (IndexInfo, error) {
	var info IndexInfo
	var elem, dist, createdAt string
	if err := sc.Scan(&info.Table, &info.Column, &info.Dimension, &elem, &dist, &createdAt); err != nil {
		return IndexInfo{}, err
	}
	info.ElementType = ElementType(elem)
	info.Distance = Distance(dist)
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return IndexInfo{}, fmt.Errorf("parsing created_at: %w", err)
	}
	info.CreatedAt = t
	return info, nil
}

// rowScore holds only the rowid and score during the scan phase of Search.
// Full rows are fetched only for top-K winners.
type rowScore struct {
	RowID int64
	Score float32
}

// Search returns the topK rows of table whose column vector is most similar
// to vector. The column must have been registered with Init and vector must
// match its dimension.
func (x *Index) Search(ctx context.Context, table, column string, vector []float32, topK int) ([]Match, error) {
	info, err := x.Get(ctx, table, column)
	if err != nil {
		return nil, err
	}
	if len(vector) != info.Dimension {
		return nil, fmt.Errorf("query has %d dimensions, index %s.%s has %d", len(vector), table, column, info.Dimension)
	}
	if topK <= 0 {
		return nil, nil
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only rowid + embedding to find top-K candidates.
	rows, err := x.db.QueryContext(ctx, fmt.Sprintf("SELECT rowid, %s FROM %s WHERE %s IS NOT NULL",
		storage.QuoteIdent(column), storage.QuoteIdent(table), storage.QuoteIdent(column)))
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}

	h := &rowScoreHeap{}
	heap.Init(h)
	var buf []float32
	for rows.Next() {
		var rowID int64
		var blob []byte
		if err := rows.Scan(&rowID, &blob); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = storage.DecodeVectorInto(buf, blob)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("decoding embedding for row %d: %w", rowID, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, rowScore{RowID: rowID, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = rowScore{RowID: rowID, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	// Pop yields ascending scores; fill from the back for descending order.
	matches := make([]Match, h.Len())
	byRow := make(map[int64]int, h.Len())
	for i := len(matches) - 1; i >= 0; i-- {
		item := heap.Pop(h).(rowScore)
		matches[i] = Match{RowID: item.RowID, Score: item.Score}
		byRow[item.RowID] = i
	}

	// Phase 2: fetch full rows only for the winners.
	args := make([]any, len(matches))
	for i, m := range matches {
		args[i] = m.RowID
	}
	full, err := x.db.QueryContext(ctx, fmt.Sprintf("SELECT rowid AS _rowid_, * FROM %s WHERE rowid IN (?%s)",
		storage.QuoteIdent(table), strings.Repeat(",?", len(args)-1)), args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K rows: %w", err)
	}
	defer full.Close()

	cols, err := full.Columns()
	if err != nil {
		return nil, err
	}
	for full.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := full.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning full row: %w", err)
		}
		rowID, ok := vals[0].(int64)
		if !ok {
			continue
		}
		idx, ok := byRow[rowID]
		if !ok {
			continue
		}
		values := make(map[string]any, len(cols)-1)
		for i := 1; i < len(cols); i++ {
			if _, isBlob := vals[i].([]byte); isBlob {
				continue
			}
			values[cols[i]] = vals[i]
		}
		matches[idx].Values = values
	}
	return matches, full.Err()
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed L2
// norm of a. Vectors of different length score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// rowScoreHeap is a min-heap of rowScore ordered by Score.
type rowScoreHeap []rowScore

func (h rowScoreHeap) Len() int           { return len(h) }
func (h rowScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h rowScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *rowScoreHeap) Push(x any)        { *h = append(*h, x.(rowScore)) }
func (h *rowScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
