// Package dedup collapses near-duplicate findings raised by different
// reviewers into canonical issues. Similarity is normalized token overlap;
// the operation is deterministic and idempotent.
package dedup

import (
	"sort"
	"strings"

	"peerflow/internal/logging"
	"peerflow/internal/review"
)

// Deduplicator merges similar findings across critiques.
type Deduplicator struct {
	threshold float64
}

// New creates a Deduplicator with the given similarity threshold in (0, 1].
func New(threshold float64) *Deduplicator {
	return &Deduplicator{threshold: threshold}
}

// Deduplicate clusters all findings from the given critiques and returns
// canonical issues sorted by severity, then by corroborating-agent count.
func (d *Deduplicator) Deduplicate(critiques []*review.Critique) []review.Issue {
	var findings []review.Finding
	for _, c := range critiques {
		if c == nil {
			continue
		}
		findings = append(findings, c.Findings...)
	}
	if len(findings) == 0 {
		return nil
	}

	// Greedy clustering in input order: each finding joins the first cluster
	// whose canonical text is similar enough, else starts its own.
	type cluster struct {
		findings []review.Finding
	}
	var clusters []*cluster
	for _, f := range findings {
		placed := false
		for _, cl := range clusters {
			if Similarity(f.Text, cl.findings[0].Text) >= d.threshold {
				cl.findings = append(cl.findings, f)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, &cluster{findings: []review.Finding{f}})
		}
	}

	issues := make([]review.Issue, 0, len(clusters))
	for _, cl := range clusters {
		issues = append(issues, canonical(cl.findings))
	}

	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Severity.Rank() != issues[j].Severity.Rank() {
			return issues[i].Severity.Rank() > issues[j].Severity.Rank()
		}
		return len(issues[i].Agents) > len(issues[j].Agents)
	})

	logging.Get(logging.CategoryDedup).Infof("deduplicated %d findings into %d issues", len(findings), len(issues))
	return issues
}

// canonical merges a cluster: longest text wins, severity is the maximum,
// agents are the union in canonical order.
func canonical(findings []review.Finding) review.Issue {
	issue := review.Issue{
		Text:     findings[0].Text,
		Severity: findings[0].Severity,
		Count:    len(findings),
	}
	agentSet := make(map[review.AgentType]bool)
	for _, f := range findings {
		if len(f.Text) > len(issue.Text) {
			issue.Text = f.Text
		}
		if f.Severity.Rank() > issue.Severity.Rank() {
			issue.Severity = f.Severity
		}
		if f.Agent.Valid() {
			agentSet[f.Agent] = true
		}
	}
	for _, a := range review.CanonicalAgents {
		if agentSet[a] {
			issue.Agents = append(issue.Agents, a)
		}
	}
	return issue
}

// Similarity returns the Jaccard similarity of the lowercased token sets of
// a and b, in [0, 1].
func Similarity(a, b string) float64 {
	ta := tokens(a)
	tb := tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		out[w] = true
	}
	return out
}
