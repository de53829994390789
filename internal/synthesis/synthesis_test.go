package synthesis

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"peerflow/internal/gateway"
	"peerflow/internal/review"
)

type stubCompleter struct {
	text string
	err  error
	last gateway.Request
}

func (s *stubCompleter) Complete(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &gateway.Response{Text: s.text, Backend: "stub"}, nil
}

var defaultBands = Bands{Accept: 8.0, Minor: 6.0, Major: 4.0}

func medicalWeights() review.WeightProfile {
	return review.WeightProfile{Methodology: 0.4, Ethics: 0.3, Literature: 0.15, Clarity: 0.15}
}

func fullCritiques() []*review.Critique {
	return []*review.Critique{
		{Agent: review.AgentMethodology, Score: 7},
		{Agent: review.AgentLiterature, Score: 6},
		{Agent: review.AgentClarity, Score: 8},
		{Agent: review.AgentEthics, Score: 9},
	}
}

func TestWeightedScoreMedical(t *testing.T) {
	// 0.4*7 + 0.15*6 + 0.15*8 + 0.3*9 = 7.6
	got := WeightedScore(fullCritiques(), medicalWeights())
	if math.Abs(got-7.6) > 1e-9 {
		t.Errorf("weighted score = %f, want 7.6", got)
	}
}

func TestWeightedScoreRenormalizesMissingAgent(t *testing.T) {
	critiques := []*review.Critique{
		{Agent: review.AgentMethodology, Score: 7},
		{Agent: review.AgentLiterature, Score: 6},
		{Agent: review.AgentClarity, Score: 8},
	}
	// (0.4*7 + 0.15*6 + 0.15*8) / 0.7 = 4.9/0.7 = 7.0
	got := WeightedScore(critiques, medicalWeights())
	if math.Abs(got-7.0) > 1e-9 {
		t.Errorf("renormalized score = %f, want 7.0", got)
	}
}

func TestWeightedScoreNoCritiques(t *testing.T) {
	if got := WeightedScore(nil, medicalWeights()); got != 0 {
		t.Errorf("empty critiques: %f", got)
	}
}

func TestRecommendBands(t *testing.T) {
	s := New(nil, defaultBands)
	cases := []struct {
		score float64
		want  review.Recommendation
	}{
		{9.0, review.RecommendAccept},
		{8.0, review.RecommendAccept},
		{7.9, review.RecommendMinorRevision},
		{6.0, review.RecommendMinorRevision},
		{5.9, review.RecommendMajorRevision},
		{4.0, review.RecommendMajorRevision},
		{3.9, review.RecommendReject},
		{0, review.RecommendReject},
	}
	for _, tc := range cases {
		if got := s.Recommend(tc.score); got != tc.want {
			t.Errorf("Recommend(%.1f) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

const narrative = `## Executive Summary
A solid study with fixable weaknesses.

## Critical Issues
The consent procedure is undocumented.

## Important Improvements
Tighten the statistical reporting.

## Minor Suggestions
Fix reference formatting.

## Manuscript Strengths
The research question is clearly motivated.`

func TestSynthesizeBuildsReport(t *testing.T) {
	gw := &stubCompleter{text: narrative}
	s := New(gw, defaultBands)

	report, err := s.Synthesize(context.Background(), Input{
		Title:     "Trial Outcomes",
		Domain:    "medical",
		Weights:   medicalWeights(),
		Critiques: fullCritiques(),
		Issues: []review.Issue{
			{Text: "Consent undocumented", Severity: review.SeverityMajor, Agents: []review.AgentType{review.AgentEthics}},
		},
	})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if report.OverallScore != 7.6 {
		t.Errorf("overall score = %f, want 7.6", report.OverallScore)
	}
	if report.Recommendation != review.RecommendMinorRevision {
		t.Errorf("recommendation = %s", report.Recommendation)
	}
	if report.AgentScores[review.AgentClarity] != 8 {
		t.Errorf("agent scores not carried: %v", report.AgentScores)
	}
	if report.Disclaimer == "" {
		t.Error("disclaimer missing")
	}
	if report.Sections.ExecutiveSummary != "A solid study with fixable weaknesses." {
		t.Errorf("executive summary = %q", report.Sections.ExecutiveSummary)
	}
	if report.Sections.Strengths == "" {
		t.Error("strengths section not extracted")
	}
	if !strings.Contains(gw.last.User, "7.6/10") {
		t.Error("computed score missing from prompt")
	}
	if !strings.Contains(gw.last.User, "Consent undocumented") {
		t.Error("issues missing from prompt")
	}
}

func TestSynthesizeScoreNeverFromNarrative(t *testing.T) {
	// The model claims a different score in prose; the report must keep the
	// arithmetic one.
	gw := &stubCompleter{text: "## Executive Summary\nOverall score: 2/10, reject."}
	s := New(gw, defaultBands)

	report, err := s.Synthesize(context.Background(), Input{
		Title:     "T",
		Weights:   medicalWeights(),
		Critiques: fullCritiques(),
	})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if report.OverallScore != 7.6 {
		t.Errorf("score parsed from prose: %f", report.OverallScore)
	}
}

func TestSynthesizeGatewayFailureIsFatal(t *testing.T) {
	gw := &stubCompleter{err: gateway.ErrAllBackendsFailed}
	s := New(gw, defaultBands)

	_, err := s.Synthesize(context.Background(), Input{
		Title:     "T",
		Weights:   medicalWeights(),
		Critiques: fullCritiques(),
	})
	if !errors.Is(err, gateway.ErrAllBackendsFailed) {
		t.Fatalf("expected fatal gateway error, got %v", err)
	}
}

func TestSynthesizeNoCritiques(t *testing.T) {
	s := New(&stubCompleter{text: "x"}, defaultBands)
	if _, err := s.Synthesize(context.Background(), Input{Title: "T"}); err == nil {
		t.Fatal("expected error with no critiques")
	}
}

func TestSplitSectionsUnstructuredNarrative(t *testing.T) {
	sections := splitSections("Just one paragraph of prose with no headings at all.")
	if sections.ExecutiveSummary != "" {
		t.Errorf("unexpected extraction: %+v", sections)
	}
}
