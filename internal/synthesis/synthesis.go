// Package synthesis combines accepted critiques into the final review
// report. The overall score is computed arithmetically from agent scores and
// weights; model output contributes only the narrative prose.
package synthesis

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"peerflow/internal/gateway"
	"peerflow/internal/logging"
	"peerflow/internal/review"
)

// Disclaimer is attached to every generated report.
const Disclaimer = "This review was generated by automated specialist reviewers and is advisory only. It does not replace human editorial judgment."

// Completer is the gateway surface synthesis depends on.
type Completer interface {
	Complete(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// Bands hold the recommendation thresholds.
type Bands struct {
	Accept float64 // >= accept
	Minor  float64 // >= minor revision
	Major  float64 // >= major revision, below: reject
}

// Synthesizer builds final reports.
type Synthesizer struct {
	gw    Completer
	bands Bands
}

// New creates a Synthesizer.
func New(gw Completer, bands Bands) *Synthesizer {
	return &Synthesizer{gw: gw, bands: bands}
}

// WeightedScore computes the overall score from available critiques,
// renormalizing weights over the agents that actually reported. Returns 0
// when no critique is available.
func WeightedScore(critiques []*review.Critique, weights review.WeightProfile) float64 {
	var totalScore, totalWeight float64
	for _, c := range critiques {
		if c == nil {
			continue
		}
		w := weights.Weight(c.Agent)
		totalScore += c.Score * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return math.Round(totalScore/totalWeight*10) / 10
}

// Recommend maps a score onto a decision band.
func (s *Synthesizer) Recommend(score float64) review.Recommendation {
	switch {
	case score >= s.bands.Accept:
		return review.RecommendAccept
	case score >= s.bands.Minor:
		return review.RecommendMinorRevision
	case score >= s.bands.Major:
		return review.RecommendMajorRevision
	default:
		return review.RecommendReject
	}
}

// Input is everything synthesis needs from the completed review stages.
type Input struct {
	Title     string
	Domain    string
	Weights   review.WeightProfile
	Critiques []*review.Critique
	Issues    []review.Issue
	Degraded  bool
}

// Synthesize produces the final report. A gateway failure here is fatal:
// without a narrative the report cannot be delivered.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (*review.FinalReport, error) {
	timer := logging.StartTimer(logging.CategorySynthesis, "synthesize report")
	defer timer.Stop()

	if len(in.Critiques) == 0 {
		return nil, fmt.Errorf("no critiques available for synthesis")
	}

	score := WeightedScore(in.Critiques, in.Weights)
	recommendation := s.Recommend(score)

	agentScores := make(map[review.AgentType]float64, len(in.Critiques))
	for _, c := range in.Critiques {
		if c != nil {
			agentScores[c.Agent] = c.Score
		}
	}

	resp, err := s.gw.Complete(ctx, gateway.Request{
		System: "You are a senior academic editor assembling the final review report from specialist assessments. Write precise, professional prose. Do not invent issues or change scores.",
		User:   buildReportPrompt(in, score, recommendation),
	})
	if err != nil {
		return nil, fmt.Errorf("narrative synthesis failed: %w", err)
	}

	report := &review.FinalReport{
		OverallScore:   score,
		Recommendation: recommendation,
		AgentScores:    agentScores,
		Issues:         in.Issues,
		Sections:       splitSections(resp.Text),
		Narrative:      resp.Text,
		Degraded:       in.Degraded,
		Disclaimer:     Disclaimer,
		GeneratedAt:    time.Now().UTC(),
	}
	logging.Get(logging.CategorySynthesis).Infof("report ready: %s", report.Summary())
	return report, nil
}

// buildReportPrompt renders the structured report request. Counts and scores
// are injected so the model never has to compute them.
func buildReportPrompt(in Input, score float64, rec review.Recommendation) string {
	var major, moderate, minor int
	for _, is := range in.Issues {
		switch is.Severity {
		case review.SeverityMajor:
			major++
		case review.SeverityModerate:
			moderate++
		default:
			minor++
		}
	}

	var b strings.Builder
	b.WriteString("Generate a professional, section-specific academic review report.\n\n")
	fmt.Fprintf(&b, "MANUSCRIPT: %s\nDOMAIN: %s\n", in.Title, in.Domain)
	fmt.Fprintf(&b, "OVERALL SCORE: %.1f/10 | DECISION: %s\n", score, rec)
	fmt.Fprintf(&b, "ISSUE SUMMARY: %d major, %d moderate, %d minor\n\n", major, moderate, minor)

	b.WriteString("AGENT SCORES:\n")
	for _, c := range in.Critiques {
		if c == nil {
			continue
		}
		fmt.Fprintf(&b, "- %s: %.1f/10 (weight %.0f%%)\n", c.Agent, c.Score, in.Weights.Weight(c.Agent)*100)
	}

	b.WriteString("\nDEDUPLICATED ISSUES:\n")
	for _, is := range in.Issues {
		agents := make([]string, len(is.Agents))
		for i, a := range is.Agents {
			agents[i] = string(a)
		}
		fmt.Fprintf(&b, "- [%s] %s (raised by: %s)\n", is.Severity, is.Text, strings.Join(agents, ", "))
	}

	b.WriteString(`
CREATE STRUCTURED REPORT:

## Executive Summary
Brief assessment highlighting main strengths and key improvement areas.

## Critical Issues
List each major issue with exact quoted text and immediate action required.

## Important Improvements
Top moderate issues with specific examples and suggested improvements.

## Minor Suggestions
Optional improvements with section references.

## Manuscript Strengths
Specific good practices, quoting well-written passages where applicable.

Use exactly these section headings. Do not restate the numeric scores.`)
	return b.String()
}

// sectionHeadings maps report headings onto section fields.
var sectionHeadings = []struct {
	heading string
	assign  func(*review.ReportSections, string)
}{
	{"executive summary", func(s *review.ReportSections, v string) { s.ExecutiveSummary = v }},
	{"critical issues", func(s *review.ReportSections, v string) { s.CriticalIssues = v }},
	{"important improvements", func(s *review.ReportSections, v string) { s.Improvements = v }},
	{"minor suggestions", func(s *review.ReportSections, v string) { s.MinorSuggestions = v }},
	{"manuscript strengths", func(s *review.ReportSections, v string) { s.Strengths = v }},
}

// splitSections extracts the known "## Heading" blocks from the narrative.
// Unrecognized structure leaves sections empty; the full narrative is always
// kept alongside.
func splitSections(narrative string) review.ReportSections {
	var sections review.ReportSections
	lines := strings.Split(narrative, "\n")

	var currentAssign func(*review.ReportSections, string)
	var buf []string
	flush := func() {
		if currentAssign != nil {
			currentAssign(&sections, strings.TrimSpace(strings.Join(buf, "\n")))
		}
		buf = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			heading := strings.ToLower(strings.TrimSpace(strings.TrimLeft(trimmed, "# ")))
			flush()
			currentAssign = nil
			for _, h := range sectionHeadings {
				if strings.HasPrefix(heading, h.heading) {
					currentAssign = h.assign
					break
				}
			}
			continue
		}
		if currentAssign != nil {
			buf = append(buf, line)
		}
	}
	flush()
	return sections
}
