// Package extract turns a model's JSON-ish extraction response into typed
// rows for a target table.
package extract

import (
	"strings"
)

// Affinity is the coercion class derived from a column's declared type.
type Affinity int

const (
	AffinityText Affinity = iota
	AffinityInteger
	AffinityReal
)

func (a Affinity) String() string {
	switch a {
	case AffinityInteger:
		return "INTEGER"
	case AffinityReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

// Column describes one column of the target table.
type Column struct {
	Name string
	Type string
	// Embedding marks BLOB columns named "embedding" or "*_embedding".
	// They are filled by the embedding step, never by extraction.
	Embedding bool
}

// NewColumn builds a Column and derives its embedding flag.
func NewColumn(name, declType string) Column {
	return Column{
		Name:      name,
		Type:      declType,
		Embedding: isEmbedding(name, declType),
	}
}

func isEmbedding(name, declType string) bool {
	if !strings.EqualFold(strings.TrimSpace(declType), "BLOB") {
		return false
	}
	return name == "embedding" || strings.HasSuffix(name, "_embedding")
}

// Affinity maps the declared type using SQLite's substring rules: INT means
// integer, REAL, FLOA or DOUB mean real, anything else is text.
func (c Column) Affinity() Affinity {
	t := strings.ToUpper(c.Type)
	switch {
	case strings.Contains(t, "INT"):
		return AffinityInteger
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return AffinityReal
	default:
		return AffinityText
	}
}

// IsText reports whether the column holds character data and can feed an
// embedding. Untyped columns count as text.
func (c Column) IsText() bool {
	if c.Embedding {
		return false
	}
	t := strings.ToUpper(strings.TrimSpace(c.Type))
	return t == "" || strings.Contains(t, "CHAR") || strings.Contains(t, "CLOB") || strings.Contains(t, "TEXT")
}

// Schema is the ordered column list of a table.
type Schema []Column

// Values returns the non-embedding columns in table order.
func (s Schema) Values() []Column {
	out := make([]Column, 0, len(s))
	for _, c := range s {
		if !c.Embedding {
			out = append(out, c)
		}
	}
	return out
}

// ValueNames returns the names of Values.
func (s Schema) ValueNames() []string {
	vals := s.Values()
	names := make([]string, len(vals))
	for i, c := range vals {
		names[i] = c.Name
	}
	return names
}

// EmbeddingColumns returns the embedding columns in table order.
func (s Schema) EmbeddingColumns() []Column {
	var out []Column
	for _, c := range s {
		if c.Embedding {
			out = append(out, c)
		}
	}
	return out
}

// TextColumns returns the non-embedding text columns.
func (s Schema) TextColumns() []string {
	var out []string
	for _, c := range s {
		if c.IsText() {
			out = append(out, c.Name)
		}
	}
	return out
}

// Describe renders the non-embedding columns as a bullet list for prompts.
func (s Schema) Describe() string {
	var b strings.Builder
	for _, c := range s.Values() {
		b.WriteString("  - ")
		b.WriteString(c.Name)
		b.WriteString(" (")
		b.WriteString(c.Type)
		b.WriteString(")\n")
	}
	return b.String()
}
