// Package tokens estimates model-context cost of prompts and trims
// oversized input deterministically before a call is made.
package tokens

import (
	"math"
	"unicode/utf8"
)

// Estimator converts prompt size into an estimated token cost:
// chars*TokensPerChar + OverheadTokens + OutputBufferTokens.
type Estimator struct {
	TokensPerChar      float64
	OverheadTokens     int
	OutputBufferTokens int
}

// NewEstimator builds an Estimator with sane fallbacks for zero values.
func NewEstimator(tokensPerChar float64, overhead, outputBuffer int) Estimator {
	if tokensPerChar <= 0 {
		tokensPerChar = 0.25
	}
	return Estimator{
		TokensPerChar:      tokensPerChar,
		OverheadTokens:     overhead,
		OutputBufferTokens: outputBuffer,
	}
}

// Estimate returns the estimated token cost for content of n characters.
func (e Estimator) Estimate(n int) int {
	return int(math.Ceil(float64(n)*e.TokensPerChar)) + e.OverheadTokens + e.OutputBufferTokens
}

// EstimateSections sums section lengths and estimates the whole prompt.
func (e Estimator) EstimateSections(sections []string) int {
	total := 0
	for _, s := range sections {
		total += len(s)
	}
	return e.Estimate(total)
}

// Fit trims sections, ordered oldest/lowest-priority first, until the
// estimated cost is within budget. Whole leading sections are dropped
// before the boundary section loses its oldest prefix. The operation is
// deterministic for a given input order and idempotent: fitting an
// already-fitting input returns it unchanged.
func (e Estimator) Fit(sections []string, budget int) []string {
	out := make([]string, len(sections))
	copy(out, sections)
	if budget <= 0 {
		return out
	}

	total := 0
	for _, s := range out {
		total += len(s)
	}

	fixed := e.OverheadTokens + e.OutputBufferTokens
	allowedChars := int(math.Floor(float64(budget-fixed) / e.TokensPerChar))
	if allowedChars < 0 {
		allowedChars = 0
	}
	excess := total - allowedChars
	if excess <= 0 {
		return out
	}

	trimmed := out[:0]
	for _, s := range out {
		if excess <= 0 {
			trimmed = append(trimmed, s)
			continue
		}
		if len(s) <= excess {
			excess -= len(s)
			continue
		}
		// Keep the newest tail of the boundary section, avoiding a
		// split inside a multi-byte rune.
		cut := excess
		for cut < len(s) && !utf8.RuneStart(s[cut]) {
			cut++
		}
		trimmed = append(trimmed, s[cut:])
		excess = 0
	}
	return trimmed
}
