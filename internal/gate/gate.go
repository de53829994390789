// Package gate validates critiques before they enter synthesis. A critique
// that fails gets exactly one retry with a stricter instruction; a second
// failure is accepted as-is and marks the review degraded.
package gate

import (
	"fmt"
	"strings"

	"peerflow/internal/logging"
	"peerflow/internal/review"
)

// placeholderPhrases flag content-free findings some models emit when they
// cannot produce real analysis.
var placeholderPhrases = []string{
	"lorem ipsum",
	"placeholder",
	"unable to review",
	"i cannot review",
	"as an ai",
	"n/a",
	"todo",
	"insert finding here",
}

// Gate validates critiques against the acceptance rules.
type Gate struct {
	minFindings int
	minScore    float64
	maxScore    float64
}

// Verdict is the outcome of checking one critique.
type Verdict struct {
	Passed  bool
	Reasons []string
}

// New creates a Gate.
func New(minFindings int, minScore, maxScore float64) *Gate {
	return &Gate{minFindings: minFindings, minScore: minScore, maxScore: maxScore}
}

// Check validates a critique. All failures are collected, not just the first.
func (g *Gate) Check(c *review.Critique) Verdict {
	var reasons []string

	if c.Malformed {
		reasons = append(reasons, fmt.Sprintf("malformed output: %s", c.MalformedReason))
	}
	if c.Score < g.minScore || c.Score > g.maxScore {
		reasons = append(reasons, fmt.Sprintf("score %.1f outside [%.0f, %.0f]", c.Score, g.minScore, g.maxScore))
	}
	if len(c.Findings) < g.minFindings {
		reasons = append(reasons, fmt.Sprintf("only %d findings, need at least %d", len(c.Findings), g.minFindings))
	}
	for _, f := range c.Findings {
		if isPlaceholder(f.Text) {
			reasons = append(reasons, fmt.Sprintf("placeholder finding: %q", f.Text))
			break
		}
	}

	v := Verdict{Passed: len(reasons) == 0, Reasons: reasons}
	if !v.Passed {
		logging.Get(logging.CategoryGate).Infof("%s critique rejected: %s", c.Agent, strings.Join(reasons, "; "))
	}
	return v
}

// RetryInstruction builds the stricter prompt addition for a failed
// critique, targeting what was actually missing.
func (g *Gate) RetryInstruction(c *review.Critique, v Verdict) string {
	var parts []string

	if c.Malformed {
		parts = append(parts, "Your previous response could not be parsed. Respond with valid JSON exactly matching the requested schema, including a numeric score field.")
	}
	if c.Score < g.minScore || c.Score > g.maxScore {
		parts = append(parts, fmt.Sprintf("Your score must be a number between %.0f and %.0f.", g.minScore, g.maxScore))
	}
	if len(c.Findings) < g.minFindings {
		parts = append(parts, fmt.Sprintf("Your previous response contained %d findings. Report at least %d distinct, specific findings, each citing concrete text from the manuscript.", len(c.Findings), g.minFindings))
	}
	for _, r := range v.Reasons {
		if strings.HasPrefix(r, "placeholder") {
			parts = append(parts, "Do not use placeholder text. Every finding must describe a real, specific issue in this manuscript.")
			break
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "Be more specific and thorough than in your previous response.")
	}
	return strings.Join(parts, " ")
}

func isPlaceholder(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return true
	}
	for _, p := range placeholderPhrases {
		if t == p || strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}
