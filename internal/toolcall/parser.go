// Package toolcall extracts tool invocations from model output.
//
// Two grammars are supported. FreeForm reads the line-oriented
// "TOOL_CALL: name / ARGS: {...}" format. JSON reads a single
// {"tool": "name", "args": {...}} object. Both share Span for locating
// the argument object.
package toolcall

import (
	"strings"
	"unicode/utf8"
)

// Grammar selects the output format Parse expects.
type Grammar int

const (
	// FreeForm expects "TOOL_CALL:" and an optional "ARGS:" line.
	FreeForm Grammar = iota
	// JSON expects an object carrying "tool" and "args" keys.
	JSON
)

func (g Grammar) String() string {
	switch g {
	case FreeForm:
		return "free_form"
	case JSON:
		return "json"
	default:
		return "unknown"
	}
}

// MaxNameLen is the longest tool name Parse will return, in bytes.
const MaxNameLen = 255

const (
	callMarker = "TOOL_CALL:"
	argsMarker = "ARGS:"
	toolKey    = `"tool"`
	argsKey    = `"args"`
	emptyArgs  = "{}"
)

// Invocation is a recognized tool call. Name is never empty.
type Invocation struct {
	Name string
	// Args is the raw argument object text. It is empty when the
	// argument object was present but never closed.
	Args string
}

// Parse extracts a tool invocation from text using the given grammar.
// The boolean is false when no invocation is recognized.
func Parse(g Grammar, text string) (Invocation, bool) {
	switch g {
	case FreeForm:
		return parseFreeForm(text)
	case JSON:
		return parseJSON(text)
	default:
		return Invocation{}, false
	}
}

func parseFreeForm(text string) (Invocation, bool) {
	idx := strings.Index(text, callMarker)
	if idx < 0 {
		return Invocation{}, false
	}
	rest := strings.TrimLeft(text[idx+len(callMarker):], " \t\r\n")

	line := rest
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		line = rest[:nl]
	}
	name := strings.TrimRight(capName(line), " \t\r\n")
	if name == "" {
		return Invocation{}, false
	}

	// ARGS: may appear anywhere in the reply, even before the call marker.
	inv := Invocation{Name: name, Args: emptyArgs}
	a := strings.Index(text, argsMarker)
	if a < 0 {
		return inv, true
	}
	after := strings.TrimLeft(text[a+len(argsMarker):], " \t\r\n")
	if b := strings.IndexByte(after, '{'); b >= 0 {
		inv.Args, _ = Span(after, b)
		return inv, true
	}
	if nl := strings.IndexByte(after, '\n'); nl >= 0 {
		after = after[:nl]
	}
	inv.Args = strings.TrimSpace(after)
	return inv, true
}

func parseJSON(text string) (Invocation, bool) {
	t := strings.Index(text, toolKey)
	a := strings.Index(text, argsKey)
	if t < 0 || a < 0 {
		return Invocation{}, false
	}

	name, ok := quotedValue(text[t+len(toolKey):])
	if !ok || name == "" || len(name) > MaxNameLen {
		return Invocation{}, false
	}

	inv := Invocation{Name: name}
	after := text[a+len(argsKey):]
	if b := strings.IndexByte(after, '{'); b >= 0 {
		inv.Args, _ = Span(after, b)
	}
	return inv, true
}

// quotedValue returns the string value after the colon that begins s. A
// value that is not a string yields false.
func quotedValue(s string) (string, bool) {
	c := strings.IndexByte(s, ':')
	if c < 0 {
		return "", false
	}
	s = strings.TrimLeft(s[c+1:], " \t\r\n")
	if !strings.HasPrefix(s, `"`) {
		return "", false
	}
	s = s[1:]
	end := strings.IndexByte(s, '"')
	if end < 0 {
		return "", false
	}
	return s[:end], true
}

// Span returns the brace-balanced region of text that opens at start,
// inclusive of both braces. text[start] must be '{'. The scan counts raw
// braces and does not skip quoted strings, so a brace inside a string value
// shifts the end of the span. ok is false when the object never closes.
func Span(text string, start int) (span string, ok bool) {
	if start < 0 || start >= len(text) || text[start] != '{' {
		return "", false
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// capName shortens s to MaxNameLen bytes without splitting a rune.
func capName(s string) string {
	if len(s) <= MaxNameLen {
		return s
	}
	cut := MaxNameLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
