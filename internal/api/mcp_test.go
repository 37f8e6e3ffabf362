package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/sqlagent/internal/agent"
	"github.com/kalambet/sqlagent/internal/retrieval"
	"github.com/kalambet/sqlagent/internal/storage"
)

// --- mocks ---

type mockAgent struct {
	mu    sync.Mutex
	goals []agent.Goal
	res   agent.Result
	err   error
}

func (m *mockAgent) Run(_ context.Context, g agent.Goal) (agent.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.goals = append(m.goals, g)
	res := m.res
	if res.RunID == "" {
		res.RunID = "run-" + strings.Repeat("x", len(m.goals))
	}
	res.Mode = g.Mode()
	return res, m.err
}

type mockSearcher struct {
	matches []retrieval.Match
	err     error
	topK    int
}

func (m *mockSearcher) Retrieve(_ context.Context, _, _, _ string, topK int) ([]retrieval.Match, error) {
	m.topK = topK
	return m.matches, m.err
}

// --- helpers ---

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestMCPDeps(t *testing.T) (MCPDeps, *mockAgent, *storage.Store) {
	t.Helper()
	store := newTestStore(t)
	a := &mockAgent{res: agent.Result{Text: "done", StopReason: agent.StopDone, Iterations: 2, ToolCalls: 1}}
	return MCPDeps{
		Agent:   a,
		Runs:    store,
		Search:  &mockSearcher{},
		Version: "1.2.3",
	}, a, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_AgentRun(t *testing.T) {
	deps, a, store := newTestMCPDeps(t)
	handler := mcpAgentRun(deps)

	req := makeCallToolRequest("agent_run", map[string]interface{}{
		"goal":           "find flats in rome",
		"table":          "listings",
		"max_iterations": 3,
	})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var out runJSON
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.Result != "done" || out.Mode != "table" || out.Table != "listings" {
		t.Errorf("unexpected result: %+v", out)
	}

	if len(a.goals) != 1 || a.goals[0].MaxIterations != 3 {
		t.Fatalf("goals = %+v", a.goals)
	}

	// Verify the run was recorded.
	run, err := store.GetRun(context.Background(), out.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Goal != "find flats in rome" || run.StopReason != "done" {
		t.Errorf("recorded run = %+v", run)
	}
}

func TestMCPTool_AgentRun_MissingGoal(t *testing.T) {
	deps, a, _ := newTestMCPDeps(t)
	result, err := mcpAgentRun(deps)(context.Background(), makeCallToolRequest("agent_run", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if len(a.goals) != 0 {
		t.Error("agent ran without a goal")
	}
}

func TestMCPTool_AgentRun_FailureIsRecorded(t *testing.T) {
	deps, a, store := newTestMCPDeps(t)
	a.err = errors.New("boom")

	result, err := mcpAgentRun(deps)(context.Background(), makeCallToolRequest("agent_run", map[string]interface{}{
		"goal": "x",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "boom") {
		t.Fatalf("result = %+v", result)
	}

	runs, err := store.ListRuns(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Error != "boom" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestMCPTool_AgentVersion(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	result, err := mcpAgentVersion(deps)(context.Background(), makeCallToolRequest("agent_version", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := toolText(t, result); got != "1.2.3" {
		t.Errorf("version = %q", got)
	}
}

func TestMCPTool_Search(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	s := &mockSearcher{matches: []retrieval.Match{
		{RowID: 1, Score: 0.9, Values: map[string]any{"title": "Flat"}},
		{RowID: 2, Score: 0.5, Values: map[string]any{"title": "House"}},
	}}
	deps.Search = s

	result, err := mcpSearch(deps)(context.Background(), makeCallToolRequest("search", map[string]interface{}{
		"table":  "listings",
		"column": "embedding",
		"query":  "sunny",
		"limit":  500,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var matches []matchJSON
	if err := json.Unmarshal([]byte(toolText(t, result)), &matches); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(matches) != 2 || matches[0].Values["title"] != "Flat" {
		t.Errorf("matches = %+v", matches)
	}
	if s.topK != 50 {
		t.Errorf("limit passed = %d, want capped 50", s.topK)
	}
}

func TestMCPTool_Search_Errors(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	deps.Search = &mockSearcher{err: retrieval.ErrNoIndex}
	args := map[string]interface{}{"table": "t", "column": "c", "query": "q"}

	result, err := mcpSearch(deps)(context.Background(), makeCallToolRequest("search", args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for missing index")
	}

	deps.Search = nil
	result, _ = mcpSearch(deps)(context.Background(), makeCallToolRequest("search", args))
	if !result.IsError {
		t.Error("expected tool error without searcher")
	}

	deps.Search = &mockSearcher{}
	result, _ = mcpSearch(deps)(context.Background(), makeCallToolRequest("search", map[string]interface{}{"table": "t"}))
	if !result.IsError {
		t.Error("expected tool error for missing column")
	}
}

func TestMCPServer_ConcurrentRuns(t *testing.T) {
	deps, _, store := newTestMCPDeps(t)
	deps.Agent = AgentFunc(func(_ context.Context, g agent.Goal) (agent.Result, error) {
		return agent.Result{RunID: g.Text, Mode: g.Mode(), StopReason: agent.StopDone}, nil
	})
	handler := mcpAgentRun(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := makeCallToolRequest("agent_run", map[string]interface{}{
				"goal": "goal-" + string(rune('a'+i)),
			})
			res, err := handler(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			if res.IsError {
				errs <- errors.New("agent_run returned a tool error")
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}

	runs, err := store.ListRuns(context.Background(), 50, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 10 {
		t.Errorf("recorded %d runs, want 10", len(runs))
	}
}
