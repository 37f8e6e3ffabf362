package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run is one recorded agent invocation.
type Run struct {
	ID         string
	CreatedAt  time.Time
	Goal       string
	TableName  string
	Mode       string // "freeform" or "table"
	StopReason string
	Result     string
	Rows       int
	Iterations int
	ToolCalls  int
	DurationMs int64
	Error      string
}
