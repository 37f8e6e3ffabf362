// Package guard stops an agent loop that keeps hitting the same tool failure.
package guard

import "strings"

// Threshold is the number of consecutive identical failures that aborts a loop.
const Threshold = 3

// SignatureLen is the prefix length of a result used to compare failures.
const SignatureLen = 200

// DefaultMarkers flag MCP error results, HTTP 404 passthroughs and failure
// phrases reported by tool servers.
var DefaultMarkers = []string{`"isError":true`, "404 Not Found", "failed to"}

// Predicate reports whether a tool result represents a failure.
type Predicate func(result string) bool

// ContainsAny returns a Predicate matching results that contain any marker.
// Empty markers are ignored.
func ContainsAny(markers ...string) Predicate {
	ms := make([]string, 0, len(markers))
	for _, m := range markers {
		if m != "" {
			ms = append(ms, m)
		}
	}
	return func(result string) bool {
		for _, m := range ms {
			if strings.Contains(result, m) {
				return true
			}
		}
		return false
	}
}

// Classifier combines predicates; a result is an error when any matches.
type Classifier []Predicate

// DefaultClassifier matches DefaultMarkers.
func DefaultClassifier() Classifier {
	return Classifier{ContainsAny(DefaultMarkers...)}
}

// IsError reports whether any predicate matches result.
func (c Classifier) IsError(result string) bool {
	for _, p := range c {
		if p(result) {
			return true
		}
	}
	return false
}

// Guard tracks consecutive identical failures. The zero value is ready to
// use with an empty classifier; use New for the default markers. A Guard
// belongs to a single run.
type Guard struct {
	classify  Classifier
	signature string
	count     int
}

// New returns a Guard using the given classifier, or DefaultClassifier when
// c is empty.
func New(c Classifier) *Guard {
	if len(c) == 0 {
		c = DefaultClassifier()
	}
	return &Guard{classify: c}
}

// Update records one tool outcome. A success clears the tracked failure.
func (g *Guard) Update(isError bool, signature string) {
	if !isError {
		g.count = 0
		g.signature = ""
		return
	}
	if g.count > 0 && signature == g.signature {
		g.count++
		return
	}
	g.signature = signature
	g.count = 1
}

// Observe classifies result, records it, and returns whether it was an error.
func (g *Guard) Observe(result string) bool {
	isErr := g.classify.IsError(result)
	g.Update(isErr, Signature(result))
	return isErr
}

// ShouldAbort reports whether the failure threshold has been reached.
func (g *Guard) ShouldAbort() bool {
	return g.count >= Threshold
}

// Count returns the current number of consecutive identical failures.
func (g *Guard) Count() int {
	return g.count
}

// Signature returns the bounded prefix of result used to compare failures.
func Signature(result string) string {
	if len(result) <= SignatureLen {
		return result
	}
	return result[:SignatureLen]
}
