package guard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuard_AbortsOnThirdIdenticalFailure(t *testing.T) {
	g := New(nil)
	seq := []string{"E1", "E1", "E2", "E2", "E2"}
	for i, sig := range seq {
		g.Update(true, sig)
		if i < len(seq)-1 {
			assert.False(t, g.ShouldAbort(), "aborted early at step %d", i+1)
		}
	}
	assert.True(t, g.ShouldAbort())
	assert.Equal(t, 3, g.Count())
}

func TestGuard_SuccessResets(t *testing.T) {
	g := New(nil)
	g.Update(true, "E")
	g.Update(true, "E")
	g.Update(false, "")
	assert.Equal(t, 0, g.Count())

	g.Update(true, "E")
	g.Update(true, "E")
	assert.False(t, g.ShouldAbort())
	g.Update(true, "E")
	assert.True(t, g.ShouldAbort())
}

func TestGuard_Observe(t *testing.T) {
	g := New(nil)
	failure := `{"content":[{"type":"text","text":"boom"}],"isError":true}`

	assert.True(t, g.Observe(failure))
	assert.True(t, g.Observe(failure))
	assert.False(t, g.ShouldAbort())
	assert.False(t, g.Observe(`{"content":[{"type":"text","text":"ok"}]}`))
	assert.Equal(t, 0, g.Count())
}

func TestGuard_SignatureUsesPrefix(t *testing.T) {
	g := New(nil)
	prefix := "failed to fetch " + strings.Repeat("x", SignatureLen)
	for i := 0; i < Threshold; i++ {
		// Results differ only past the signature prefix.
		g.Observe(prefix + strings.Repeat("y", i))
	}
	assert.True(t, g.ShouldAbort())
}

func TestDefaultClassifier(t *testing.T) {
	c := DefaultClassifier()
	tests := []struct {
		result string
		want   bool
	}{
		{`{"isError":true}`, true},
		{"HTTP 404 Not Found", true},
		{"failed to connect to upstream", true},
		{`{"isError":false,"content":[]}`, false},
		{"all good", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.IsError(tt.result), "IsError(%q)", tt.result)
	}
}

func TestClassifier_CustomPredicates(t *testing.T) {
	c := Classifier{
		ContainsAny("", "ERR"),
		func(s string) bool { return strings.HasPrefix(s, "status=5") },
	}
	assert.True(t, c.IsError("ERR: denied"))
	assert.True(t, c.IsError("status=503"))
	assert.False(t, c.IsError("status=200"))
	assert.False(t, c.IsError("anything"), "empty marker must not match everything")
}
