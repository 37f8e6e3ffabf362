package agent

import "unicode/utf8"

const truncatedMarker = "\n[history truncated]\n"

// Transcript is the bounded history of tool results gathered by one run.
// It never holds more than its capacity; the first write that does not fit
// is cut and followed by a single truncation marker, and later writes are
// dropped.
type Transcript struct {
	buf       []byte
	capacity  int
	truncated bool
}

// NewTranscript returns a Transcript holding at most capacity bytes.
// Non-positive capacities take DefaultHistoryCapacity.
func NewTranscript(capacity int) *Transcript {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	if capacity < len(truncatedMarker) {
		capacity = len(truncatedMarker)
	}
	return &Transcript{capacity: capacity}
}

// Append adds s and reports whether it was kept whole.
func (t *Transcript) Append(s string) bool {
	if t.truncated {
		return false
	}
	if len(t.buf)+len(s) <= t.capacity {
		t.buf = append(t.buf, s...)
		return true
	}

	keep := t.capacity - len(truncatedMarker)
	if len(t.buf) > keep {
		t.buf = []byte(clip(string(t.buf), keep))
	} else {
		t.buf = append(t.buf, clip(s, keep-len(t.buf))...)
	}
	t.buf = append(t.buf, truncatedMarker...)
	t.truncated = true
	return false
}

// String returns the whole history.
func (t *Transcript) String() string {
	return string(t.buf)
}

// Prefix returns at most n bytes from the start, cut on a rune boundary.
func (t *Transcript) Prefix(n int) string {
	return clip(string(t.buf), n)
}

// Len returns the history size in bytes.
func (t *Transcript) Len() int {
	return len(t.buf)
}

// Cap returns the capacity in bytes.
func (t *Transcript) Cap() int {
	return t.capacity
}

// Truncated reports whether a write was cut.
func (t *Transcript) Truncated() bool {
	return t.truncated
}

// clip returns the longest prefix of s that is at most n bytes and does
// not split a UTF-8 sequence.
func clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
