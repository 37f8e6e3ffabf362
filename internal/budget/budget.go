// Package budget sizes the chat context for an agent run and the share of
// it each tool result may occupy.
package budget

const (
	// MinContextSize is the smallest context ever requested.
	MinContextSize = 4096

	// PromptOverhead covers the extraction prompt template.
	PromptOverhead = 2000
	// SafetyMargin covers JSON framing around appended results.
	SafetyMargin = 1024

	// MinAvailable floors the history space so tiny contexts still make progress.
	MinAvailable = 8192

	// MinTruncate and MaxTruncate bound the per-result byte budget.
	MinTruncate = 4096
	MaxTruncate = 50000
)

// BaseContextSize returns the context size to request for a run whose tool
// catalog is catalogBytes long. It is at least MinContextSize and twice the
// catalog, and never smaller than the currently active size.
func BaseContextSize(catalogBytes, active int) int {
	size := max(MinContextSize, 2*catalogBytes)
	return max(size, active)
}

// TruncateLength returns the number of bytes of a single tool result that may
// be appended to the run history. Only about half of the iterations are
// expected to produce a tool result, so the available space is divided by
// ceil(maxIterations/2).
func TruncateLength(ctxSize, catalogBytes, promptBytes, maxIterations int) int {
	available := ctxSize - catalogBytes - promptBytes - PromptOverhead - SafetyMargin
	available = max(available, MinAvailable)

	maxIterations = max(maxIterations, 1)
	turns := (maxIterations + 1) / 2

	return min(max(available/turns, MinTruncate), MaxTruncate)
}
