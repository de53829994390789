package dedup

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"peerflow/internal/review"
)

func TestSimilarity(t *testing.T) {
	if got := Similarity("the sample size is too small", "the sample size is too small"); got != 1 {
		t.Errorf("identical texts: %f", got)
	}
	if got := Similarity("sample size concern", "ethics approval missing"); got != 0 {
		t.Errorf("disjoint texts: %f", got)
	}
	got := Similarity("The sample size is too small for the claims", "sample size is too small")
	if got < 0.5 {
		t.Errorf("overlapping texts scored %f", got)
	}
	if got := Similarity("", "anything"); got != 0 {
		t.Errorf("empty text: %f", got)
	}
}

func TestDeduplicateMergesSimilarFindings(t *testing.T) {
	critiques := []*review.Critique{
		{Agent: review.AgentMethodology, Findings: []review.Finding{
			{Text: "The sample size is too small to support the conclusions", Severity: review.SeverityModerate, Agent: review.AgentMethodology},
		}},
		{Agent: review.AgentClarity, Findings: []review.Finding{
			{Text: "The sample size is too small to support the conclusions drawn here", Severity: review.SeverityMajor, Agent: review.AgentClarity},
		}},
		{Agent: review.AgentEthics, Findings: []review.Finding{
			{Text: "No ethics approval statement is present anywhere", Severity: review.SeverityMajor, Agent: review.AgentEthics},
		}},
	}

	issues := New(0.7).Deduplicate(critiques)
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d: %+v", len(issues), issues)
	}

	var merged *review.Issue
	for i := range issues {
		if len(issues[i].Agents) == 2 {
			merged = &issues[i]
		}
	}
	if merged == nil {
		t.Fatal("no merged issue found")
	}
	if merged.Severity != review.SeverityMajor {
		t.Errorf("merged severity = %s, want major (max of the pair)", merged.Severity)
	}
	if merged.Text != "The sample size is too small to support the conclusions drawn here" {
		t.Errorf("canonical text should be the longest: %q", merged.Text)
	}
	wantAgents := []review.AgentType{review.AgentMethodology, review.AgentClarity}
	if diff := cmp.Diff(wantAgents, merged.Agents); diff != "" {
		t.Errorf("agents (-want +got):\n%s", diff)
	}
	if merged.Count != 2 {
		t.Errorf("count = %d, want 2", merged.Count)
	}
}

func TestDeduplicateKeepsDistinctFindings(t *testing.T) {
	critiques := []*review.Critique{
		{Agent: review.AgentMethodology, Findings: []review.Finding{
			{Text: "Statistical power analysis is missing", Severity: review.SeverityMajor, Agent: review.AgentMethodology},
			{Text: "Figures lack error bars throughout", Severity: review.SeverityMinor, Agent: review.AgentMethodology},
		}},
	}

	issues := New(0.7).Deduplicate(critiques)
	if len(issues) != 2 {
		t.Fatalf("distinct findings merged: %+v", issues)
	}
}

func TestDeduplicateSortsBySeverityThenCorroboration(t *testing.T) {
	critiques := []*review.Critique{
		{Findings: []review.Finding{
			{Text: "A minor formatting slip in the references", Severity: review.SeverityMinor, Agent: review.AgentClarity},
			{Text: "Undisclosed conflict of interest with the study sponsor", Severity: review.SeverityMajor, Agent: review.AgentEthics},
			{Text: "Abstract omits the negative secondary outcomes entirely", Severity: review.SeverityMajor, Agent: review.AgentClarity},
		}},
		{Findings: []review.Finding{
			{Text: "Undisclosed conflict of interest with the study sponsor", Severity: review.SeverityMajor, Agent: review.AgentMethodology},
		}},
	}

	issues := New(0.7).Deduplicate(critiques)
	if len(issues) != 3 {
		t.Fatalf("expected 3 issues, got %d", len(issues))
	}
	if issues[0].Text != "Undisclosed conflict of interest with the study sponsor" {
		t.Errorf("corroborated major issue should sort first, got %q", issues[0].Text)
	}
	if issues[2].Severity != review.SeverityMinor {
		t.Errorf("minor issue should sort last, got %s", issues[2].Severity)
	}
}

func TestDeduplicateIdempotent(t *testing.T) {
	critiques := []*review.Critique{
		{Findings: []review.Finding{
			{Text: "The sample size is far too small", Severity: review.SeverityModerate, Agent: review.AgentMethodology},
			{Text: "The sample size is far too small indeed", Severity: review.SeverityMajor, Agent: review.AgentClarity},
		}},
	}

	d := New(0.7)
	first := d.Deduplicate(critiques)

	// Re-running over the canonical issues must not merge or reorder further.
	asCritiques := []*review.Critique{{Findings: issuesToFindings(first)}}
	second := d.Deduplicate(asCritiques)
	if len(second) != len(first) {
		t.Fatalf("second pass changed issue count: %d vs %d", len(second), len(first))
	}
	for i := range first {
		if second[i].Text != first[i].Text || second[i].Severity != first[i].Severity {
			t.Errorf("issue %d changed across passes: %+v vs %+v", i, second[i], first[i])
		}
	}
}

func issuesToFindings(issues []review.Issue) []review.Finding {
	var out []review.Finding
	for _, is := range issues {
		agent := review.AgentType("")
		if len(is.Agents) > 0 {
			agent = is.Agents[0]
		}
		out = append(out, review.Finding{Text: is.Text, Severity: is.Severity, Agent: agent})
	}
	return out
}

func TestDeduplicateEmptyAndNil(t *testing.T) {
	d := New(0.7)
	if got := d.Deduplicate(nil); got != nil {
		t.Errorf("nil critiques: %v", got)
	}
	if got := d.Deduplicate([]*review.Critique{nil, {}}); got != nil {
		t.Errorf("empty critiques: %v", got)
	}
}
