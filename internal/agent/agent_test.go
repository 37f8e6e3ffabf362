package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kalambet/sqlagent/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testCatalog = "Available tools (JSON):\n[{\"name\":\"search\",\"inputSchema\":{\"type\":\"object\"}}]"

type turn struct {
	text string
	err  error
}

func say(texts ...string) []turn {
	out := make([]turn, len(texts))
	for i, t := range texts {
		out[i] = turn{text: t}
	}
	return out
}

type fakeChat struct {
	turns     []turn
	prompts   []string
	sizes     []int
	size      int
	maxSize   int
	createErr error
}

func (c *fakeChat) CreateContext(_ context.Context, size int) error {
	if c.createErr != nil {
		return c.createErr
	}
	c.sizes = append(c.sizes, size)
	c.size = size
	return nil
}

func (c *fakeChat) Respond(_ context.Context, prompt string) (string, error) {
	c.prompts = append(c.prompts, prompt)
	if len(c.turns) == 0 {
		return "", nil
	}
	t := c.turns[0]
	c.turns = c.turns[1:]
	return t.text, t.err
}

func (c *fakeChat) ContextSize() int                   { return c.size }
func (c *fakeChat) MaxContextSize(context.Context) int { return c.maxSize }

type toolCall struct {
	name, args string
}

type fakeTools struct {
	catalog string
	listErr error
	handle  func(n int, name, args string) (string, error)
	calls   []toolCall
}

func (t *fakeTools) ListTools(context.Context) (string, error) {
	if t.listErr != nil {
		return "", t.listErr
	}
	if t.catalog == "" {
		return testCatalog, nil
	}
	return t.catalog, nil
}

func (t *fakeTools) CallTool(_ context.Context, name, args string) (string, error) {
	t.calls = append(t.calls, toolCall{name, args})
	if t.handle == nil {
		return `{"content":[{"type":"text","text":"ok"}]}`, nil
	}
	return t.handle(len(t.calls), name, args)
}

type fakeEmbedder struct{ dim int }

func (e fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, e.dim)
	for i := range v {
		v[i] = float32(len(text) + i)
	}
	return v, nil
}

func (e fakeEmbedder) Dimension(context.Context) (int, error) { return e.dim, nil }

func openStore(t *testing.T, ddl ...string) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	for _, q := range ddl {
		_, err := s.Exec(context.Background(), q)
		require.NoError(t, err)
	}
	return s
}

func TestRun_Validation(t *testing.T) {
	chat := &fakeChat{}
	tools := &fakeTools{}
	ctx := context.Background()

	cases := []struct {
		name string
		deps Deps
		goal Goal
	}{
		{"empty goal", Deps{Chat: chat, Tools: tools}, Goal{Text: "  "}},
		{"negative iterations", Deps{Chat: chat, Tools: tools}, Goal{Text: "x", MaxIterations: -1}},
		{"no chat", Deps{Tools: tools}, Goal{Text: "x"}},
		{"no tools", Deps{Chat: chat}, Goal{Text: "x"}},
		{"table without store", Deps{Chat: chat, Tools: tools}, Goal{Text: "x", Table: "t"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := New(tc.deps, Config{}).Run(ctx, tc.goal)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.NotEmpty(t, res.RunID)
		})
	}
	assert.Empty(t, chat.prompts)
}

func TestRun_ToolServerUnavailable(t *testing.T) {
	for _, table := range []string{"", "items"} {
		store := openStore(t, `CREATE TABLE items (name TEXT)`)
		r := New(Deps{
			Chat:  &fakeChat{},
			Tools: &fakeTools{listErr: errors.New("connection refused")},
			Store: store,
		}, Config{})
		_, err := r.Run(context.Background(), Goal{Text: "find things", Table: table})
		assert.ErrorIs(t, err, ErrConfiguration, "table %q", table)
		assert.ErrorContains(t, err, "not connected to a tool server")
	}
}

func TestRun_ChatContextUnavailable(t *testing.T) {
	r := New(Deps{
		Chat:  &fakeChat{createErr: errors.New("ollama down")},
		Tools: &fakeTools{},
	}, Config{})
	_, err := r.Run(context.Background(), Goal{Text: "x"})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRun_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(Deps{Chat: &fakeChat{}, Tools: &fakeTools{}}, Config{})
	_, err := r.Run(ctx, Goal{Text: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseArgs(t *testing.T) {
	cases := []struct {
		args    []string
		want    Goal
		wantErr bool
	}{
		{args: []string{"find flats"}, want: Goal{Text: "find flats"}},
		{args: []string{"find flats", "listings"}, want: Goal{Text: "find flats", Table: "listings"}},
		{args: []string{"find flats", "7"}, want: Goal{Text: "find flats", MaxIterations: 7}},
		{args: []string{"find flats", ""}, want: Goal{Text: "find flats"}},
		{args: []string{"find flats", "listings", "3"}, want: Goal{Text: "find flats", Table: "listings", MaxIterations: 3}},
		{args: []string{"g", "", "2", "be brief"}, want: Goal{Text: "g", MaxIterations: 2, SystemPrompt: "be brief"}},
		{args: nil, wantErr: true},
		{args: []string{"a", "b", "1", "d", "e"}, wantErr: true},
		{args: []string{"g", "t", "many"}, wantErr: true},
		{args: []string{"g", "0"}, wantErr: true},
		{args: []string{"g", "t", "-2"}, wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseArgs(tc.args)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrConfiguration, "args %q", tc.args)
			continue
		}
		require.NoError(t, err, "args %q", tc.args)
		assert.Equal(t, tc.want, got, "args %q", tc.args)
		assert.Equal(t, tc.want.Table == "", got.Mode() == ModeFreeForm)
	}
}
