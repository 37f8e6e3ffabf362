package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordsRunsAndToolCalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	call := `{"tool": "search", "args": {}}`
	tools := &fakeTools{handle: func(n int, _, _ string) (string, error) {
		switch n {
		case 1:
			return "ok", nil
		case 2:
			return `"isError":true`, nil
		}
		return "", errors.New("gone")
	}}
	store := openStore(t, listingsDDL)
	chat := &fakeChat{turns: say(call, call, call, `{"tool": "x", "args": {"a": "{{b}}"}}`, "DONE", `[{"id": 1, "title": "t"}]`)}

	r := New(Deps{Chat: chat, Tools: tools, Store: store, Metrics: m}, Config{})
	_, err := r.Run(context.Background(), Goal{Text: "x", Table: "listings"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues(outcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues(outcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues(outcomeUnreachable)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues(outcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("table", "done", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rows))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.embedded))
}

func TestMetrics_RecordsFailedRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := New(Deps{Chat: &fakeChat{}, Tools: &fakeTools{listErr: errors.New("down")}, Metrics: m}, Config{})

	_, err := r.Run(context.Background(), Goal{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, 1, testutil.CollectAndCount(m.runs))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.toolCall(outcomeOK)
	m.observeRun(Result{}, 0, nil)
}
