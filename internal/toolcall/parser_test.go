package toolcall

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_JSON(t *testing.T) {
	inv, ok := Parse(JSON, `{"tool":"search","args":{"q":"rome"}}`)
	require.True(t, ok)
	assert.Equal(t, "search", inv.Name)
	assert.Equal(t, `{"q":"rome"}`, inv.Args)
}

func TestParse_FreeForm(t *testing.T) {
	inv, ok := Parse(FreeForm, "TOOL_CALL: search\nARGS: {\"q\":\"rome\"}\n")
	require.True(t, ok)
	assert.Equal(t, "search", inv.Name)
	assert.Equal(t, `{"q":"rome"}`, inv.Args)
}

func TestParse_FreeFormCases(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantOK   bool
		wantName string
		wantArgs string
	}{
		{
			name:   "no marker",
			text:   "The answer is 42.",
			wantOK: false,
		},
		{
			name:     "missing args defaults to empty object",
			text:     "TOOL_CALL: list_repos\n",
			wantOK:   true,
			wantName: "list_repos",
			wantArgs: "{}",
		},
		{
			name:     "leading blank lines before name",
			text:     "TOOL_CALL:\n\n  fetch  \r\nARGS: {}",
			wantOK:   true,
			wantName: "fetch",
			wantArgs: "{}",
		},
		{
			name:     "args without brace falls back to rest of line",
			text:     "TOOL_CALL: echo\nARGS: hello world\nmore",
			wantOK:   true,
			wantName: "echo",
			wantArgs: "hello world",
		},
		{
			name:     "nested args",
			text:     "thinking...\nTOOL_CALL: q\nARGS: {\"a\":{\"b\":{\"c\":1}}} trailing",
			wantOK:   true,
			wantName: "q",
			wantArgs: `{"a":{"b":{"c":1}}}`,
		},
		{
			name:     "unbalanced args",
			text:     "TOOL_CALL: q\nARGS: {\"a\":{\"b\":1}",
			wantOK:   true,
			wantName: "q",
			wantArgs: "",
		},
		{
			name:   "empty name",
			text:   "Calling now. TOOL_CALL: \t \r\n",
			wantOK: false,
		},
		{
			name:     "args before the call marker",
			text:     "ARGS: {\"q\":\"rome\"}\nTOOL_CALL: search",
			wantOK:   true,
			wantName: "search",
			wantArgs: `{"q":"rome"}`,
		},
		{
			name:     "name at end of text",
			text:     "TOOL_CALL: ping",
			wantOK:   true,
			wantName: "ping",
			wantArgs: "{}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, ok := Parse(FreeForm, tt.text)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantName, inv.Name)
			assert.Equal(t, tt.wantArgs, inv.Args)
		})
	}
}

func TestParse_JSONCases(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantOK   bool
		wantName string
		wantArgs string
	}{
		{
			name:     "args before tool",
			text:     `{"args": {"id": 7}, "tool": "get_item"}`,
			wantOK:   true,
			wantName: "get_item",
			wantArgs: `{"id": 7}`,
		},
		{
			name:   "missing args key",
			text:   `{"tool": "search"}`,
			wantOK: false,
		},
		{
			name:   "missing tool key",
			text:   `{"args": {}}`,
			wantOK: false,
		},
		{
			name:     "surrounding prose",
			text:     "Sure! {\"tool\": \"search\", \"args\": {\"q\": \"x\"}} Hope that helps.",
			wantOK:   true,
			wantName: "search",
			wantArgs: `{"q": "x"}`,
		},
		{
			name:     "unclosed args",
			text:     `{"tool": "search", "args": {"q": "x"`,
			wantOK:   true,
			wantName: "search",
			wantArgs: "",
		},
		{
			name:   "unterminated name",
			text:   `{"tool": "sea`,
			wantOK: false,
		},
		{
			name:   "empty name",
			text:   `{"tool": "", "args": {}}`,
			wantOK: false,
		},
		{
			name:   "numeric tool value",
			text:   `{"tool": 5, "args": {"q": "x"}}`,
			wantOK: false,
		},
		{
			name:   "null tool value",
			text:   `{"tool": null, "args": {}}`,
			wantOK: false,
		},
		{
			name:     "newline before tool value",
			text:     "{\"tool\":\n  \"search\", \"args\": {}}",
			wantOK:   true,
			wantName: "search",
			wantArgs: "{}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, ok := Parse(JSON, tt.text)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantName, inv.Name)
			assert.Equal(t, tt.wantArgs, inv.Args)
		})
	}
}

func TestParse_NameCapped(t *testing.T) {
	long := strings.Repeat("é", 200) // 400 bytes
	inv, ok := Parse(FreeForm, "TOOL_CALL: "+long+"\nARGS: {}")
	require.True(t, ok)
	assert.LessOrEqual(t, len(inv.Name), MaxNameLen)
	assert.True(t, strings.HasPrefix(long, inv.Name))

	_, ok = Parse(JSON, `{"tool": "`+strings.Repeat("x", MaxNameLen+1)+`", "args": {}}`)
	assert.False(t, ok)
}

func TestSpan_NestedDepth(t *testing.T) {
	for depth := 1; depth <= 8; depth++ {
		obj := strings.Repeat(`{"k":`, depth) + "1" + strings.Repeat("}", depth)
		text := `{"tool":"t","args":` + obj + `, "x": {}}`

		inv, ok := Parse(JSON, text)
		require.True(t, ok)
		assert.Equal(t, obj, inv.Args)
		assert.Equal(t, strings.Count(inv.Args, "{"), strings.Count(inv.Args, "}"))
	}
}

func TestSpan_BadStart(t *testing.T) {
	_, ok := Span("abc", 1)
	assert.False(t, ok)
	_, ok = Span("{}", 5)
	assert.False(t, ok)
	_, ok = Span("{}", -1)
	assert.False(t, ok)
}

// A brace inside a quoted value is counted like any other brace.
func TestSpan_BraceInsideStringIsCounted(t *testing.T) {
	text := `{"q": "a}b"}`
	span, ok := Span(text, 0)
	require.True(t, ok)
	assert.Equal(t, `{"q": "a}`, span)
}

func FuzzParse(f *testing.F) {
	f.Add("TOOL_CALL: search\nARGS: {\"q\":\"rome\"}\n")
	f.Add(`{"tool":"search","args":{"q":"rome"}}`)
	f.Add("TOOL_CALL:")
	f.Add(`"tool":"`)
	f.Add(`"args" {{{{ "tool": "x"`)

	f.Fuzz(func(t *testing.T, text string) {
		for _, g := range []Grammar{FreeForm, JSON} {
			inv, ok := Parse(g, text)
			if !ok {
				continue
			}
			if inv.Name == "" {
				t.Fatalf("%s: recognized invocation with empty name", g)
			}
			if len(inv.Name) > MaxNameLen {
				t.Fatalf("%s: name length %d exceeds %d", g, len(inv.Name), MaxNameLen)
			}
			if strings.HasPrefix(inv.Args, "{") && inv.Args != emptyArgs {
				if strings.Count(inv.Args, "{") != strings.Count(inv.Args, "}") {
					t.Fatalf("%s: unbalanced args %q", g, inv.Args)
				}
			}
		}
	})
}
