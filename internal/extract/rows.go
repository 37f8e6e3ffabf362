package extract

import (
	"math"
	"strconv"
	"strings"
)

// Objects returns the object spans found in text. A span opens at '{' and
// closes at the next '}' not preceded by a backslash, so nested objects are
// not supported. An unclosed '{' ends the scan.
func Objects(text string) []string {
	var spans []string
	pos := 0
	for pos < len(text) {
		open := strings.IndexByte(text[pos:], '{')
		if open < 0 {
			break
		}
		open += pos
		end := closingBrace(text, open+1)
		if end < 0 {
			break
		}
		spans = append(spans, text[open:end+1])
		pos = end + 1
	}
	return spans
}

func closingBrace(text string, from int) int {
	for i := from; i < len(text); i++ {
		if text[i] == '}' && text[i-1] != '\\' {
			return i
		}
	}
	return -1
}

// Rows coerces every object span in text into a row aligned with
// schema.Values(). Values are int64, float64, string or nil.
func Rows(text string, schema Schema) [][]any {
	cols := schema.Values()
	objs := Objects(text)
	rows := make([][]any, 0, len(objs))
	for _, obj := range objs {
		row := make([]any, len(cols))
		for i, c := range cols {
			row[i] = Coerce(obj, c)
		}
		rows = append(rows, row)
	}
	return rows
}

// Coerce looks up column c in the object span obj and converts its value
// according to the column affinity. Missing keys, the literal null and
// malformed values all yield nil. Embedding columns always yield nil.
func Coerce(obj string, c Column) any {
	if c.Embedding {
		return nil
	}
	raw, ok := valueOf(obj, c.Name)
	if !ok || strings.HasPrefix(raw, "null") {
		return nil
	}

	switch c.Affinity() {
	case AffinityInteger:
		tok, ok := numberToken(raw)
		if !ok {
			return nil
		}
		return parseInt(tok)
	case AffinityReal:
		tok, ok := numberToken(raw)
		if !ok {
			return nil
		}
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil
		}
		return f
	default:
		s, ok := quoted(raw)
		if !ok {
			return nil
		}
		return s
	}
}

// valueOf returns the text following the colon after the quoted key, with
// leading whitespace removed. Occurrences of the quoted key that are not
// followed by a colon are skipped.
func valueOf(obj, key string) (string, bool) {
	needle := `"` + key + `"`
	from := 0
	for {
		i := strings.Index(obj[from:], needle)
		if i < 0 {
			return "", false
		}
		rest := strings.TrimLeft(obj[from+i+len(needle):], " \t\r\n")
		if strings.HasPrefix(rest, ":") {
			return strings.TrimLeft(rest[1:], " \t\r\n"), true
		}
		from += i + len(needle)
	}
}

// numberToken returns a quoted numeric string's content or a bare token.
func numberToken(raw string) (string, bool) {
	if strings.HasPrefix(raw, `"`) {
		s, ok := quoted(raw)
		return strings.TrimSpace(s), ok
	}
	end := strings.IndexAny(raw, ",}] \t\r\n")
	if end < 0 {
		end = len(raw)
	}
	return raw[:end], end > 0
}

func parseInt(tok string) any {
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return i
	}
	// Models sometimes render integers as 42.0 or 1e3.
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f >= 0x1p63 || f < -0x1p63 {
		return nil
	}
	return int64(f)
}

// quoted returns the content between the opening quote at raw[0] and the
// next quote not preceded by a backslash. Escapes are kept as written.
func quoted(raw string) (string, bool) {
	if !strings.HasPrefix(raw, `"`) {
		return "", false
	}
	for i := 1; i < len(raw); i++ {
		if raw[i] == '"' && raw[i-1] != '\\' {
			return raw[1:i], true
		}
	}
	return "", false
}
