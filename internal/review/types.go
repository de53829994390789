// Package review defines the shared data model for the manuscript-review
// pipeline: submissions, workflow state, critiques, findings, deduplicated
// issues, and the final report.
package review

import (
	"fmt"
	"strings"
	"time"
)

// AgentType identifies one of the four specialist reviewers.
type AgentType string

const (
	AgentMethodology AgentType = "methodology"
	AgentLiterature  AgentType = "literature"
	AgentClarity     AgentType = "clarity"
	AgentEthics      AgentType = "ethics"
)

// CanonicalAgents is the fixed iteration order used everywhere critiques are
// combined. Combination must never depend on completion order.
var CanonicalAgents = []AgentType{
	AgentMethodology,
	AgentLiterature,
	AgentClarity,
	AgentEthics,
}

// Valid reports whether t is one of the four known agent types.
func (t AgentType) Valid() bool {
	switch t {
	case AgentMethodology, AgentLiterature, AgentClarity, AgentEthics:
		return true
	}
	return false
}

// Severity grades a finding.
type Severity string

const (
	SeverityMajor    Severity = "major"
	SeverityModerate Severity = "moderate"
	SeverityMinor    Severity = "minor"
)

// severityAliases maps common alternative labels onto canonical severities.
var severityAliases = map[string]Severity{
	"high":     SeverityMajor,
	"critical": SeverityMajor,
	"medium":   SeverityModerate,
	"low":      SeverityMinor,
	"trivial":  SeverityMinor,
}

// ParseSeverity normalizes a raw severity label. Unknown labels default to
// moderate rather than failing; generative backends are loose with vocabulary.
func ParseSeverity(raw string) Severity {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch Severity(s) {
	case SeverityMajor, SeverityModerate, SeverityMinor:
		return Severity(s)
	}
	if alias, ok := severityAliases[s]; ok {
		return alias
	}
	return SeverityModerate
}

// Rank orders severities for sorting and max-severity merging.
// Higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityMajor:
		return 3
	case SeverityModerate:
		return 2
	case SeverityMinor:
		return 1
	}
	return 0
}

// Finding is a single issue raised by one agent.
type Finding struct {
	Text     string    `json:"text"`
	Severity Severity  `json:"severity"`
	Agent    AgentType `json:"agent"`
	Section  string    `json:"section,omitempty"`
}

// Critique is one specialist agent's structured assessment. Immutable once
// accepted by the quality gate.
type Critique struct {
	Agent           AgentType `json:"agent"`
	Score           float64   `json:"score"` // 0..10
	Findings        []Finding `json:"findings"`
	Strengths       []string  `json:"strengths,omitempty"`
	Weaknesses      []string  `json:"weaknesses,omitempty"`
	Raw             string    `json:"raw,omitempty"`
	Malformed       bool      `json:"malformed,omitempty"`
	MalformedReason string    `json:"malformed_reason,omitempty"`
}

// Issue is a canonical, deduplicated finding with its corroborating agents.
type Issue struct {
	Text     string      `json:"text"`
	Severity Severity    `json:"severity"`
	Agents   []AgentType `json:"agents"`
	Count    int         `json:"count"`
}

// Corroboration returns the number of distinct agents backing the issue.
func (i Issue) Corroboration() int { return len(i.Agents) }

// WeightProfile maps the four specialist scores onto a weighted total.
// Weights must sum to 1.0 within epsilon.
type WeightProfile struct {
	Methodology float64 `json:"methodology" yaml:"methodology"`
	Literature  float64 `json:"literature" yaml:"literature"`
	Clarity     float64 `json:"clarity" yaml:"clarity"`
	Ethics      float64 `json:"ethics" yaml:"ethics"`
}

// Weight returns the weight for a given agent type.
func (w WeightProfile) Weight(t AgentType) float64 {
	switch t {
	case AgentMethodology:
		return w.Methodology
	case AgentLiterature:
		return w.Literature
	case AgentClarity:
		return w.Clarity
	case AgentEthics:
		return w.Ethics
	}
	return 0
}

// Sum returns the total of all four weights.
func (w WeightProfile) Sum() float64 {
	return w.Methodology + w.Literature + w.Clarity + w.Ethics
}

// Stage is a step in the workflow state machine.
type Stage string

const (
	StageInit           Stage = "INIT"
	StageDomainDetect   Stage = "DOMAIN_DETECT"
	StageContextPrep    Stage = "CONTEXT_PREP"
	StageParallelReview Stage = "PARALLEL_REVIEW"
	StageSynthesis      Stage = "SYNTHESIS"
	StageFinalize       Stage = "FINALIZE"
	StageCompleted      Stage = "COMPLETED"
	StageFailed         Stage = "FAILED"
	StageCancelled      Stage = "CANCELLED"
)

// Terminal reports whether the stage ends the workflow.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// Status is the user-visible submission state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the submission can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Submission is the unit of work: one manuscript under review.
// Owned and mutated only by the orchestrator after ingestion.
type Submission struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Content     string        `json:"content"`
	Domain      string        `json:"domain,omitempty"`
	Weights     WeightProfile `json:"weights,omitempty"`
	Status      Status        `json:"status"`
	Degraded    bool          `json:"degraded"`
	Report      *FinalReport  `json:"report,omitempty"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// WorkflowState is the resumable snapshot checkpointed after every stage
// transition. One live state per submission id.
type WorkflowState struct {
	SubmissionID string                  `json:"submission_id"`
	Stage        Stage                   `json:"stage"`
	Domain       string                  `json:"domain,omitempty"`
	Weights      WeightProfile           `json:"weights,omitempty"`
	Context      []string                `json:"context,omitempty"`
	ContextReady bool                    `json:"context_ready"`
	Attempts     map[AgentType]int       `json:"attempts"` // 0 or 1 per agent
	Critiques    map[AgentType]*Critique `json:"critiques"`
	Degraded     bool                    `json:"degraded"`
	CheckpointAt time.Time               `json:"checkpoint_at"`
}

// NewWorkflowState returns an initial state for a submission.
func NewWorkflowState(submissionID string) *WorkflowState {
	return &WorkflowState{
		SubmissionID: submissionID,
		Stage:        StageInit,
		Attempts:     make(map[AgentType]int),
		Critiques:    make(map[AgentType]*Critique),
	}
}

// AvailableCritiques returns accepted critiques in canonical agent order.
func (s *WorkflowState) AvailableCritiques() []*Critique {
	out := make([]*Critique, 0, len(CanonicalAgents))
	for _, agent := range CanonicalAgents {
		if c, ok := s.Critiques[agent]; ok && c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Recommendation is the decision band derived from the overall score.
type Recommendation string

const (
	RecommendAccept        Recommendation = "accept"
	RecommendMinorRevision Recommendation = "minor_revision"
	RecommendMajorRevision Recommendation = "major_revision"
	RecommendReject        Recommendation = "reject"
)

// ReportSections holds the narrative prose produced by the synthesis call.
type ReportSections struct {
	ExecutiveSummary string `json:"executive_summary"`
	CriticalIssues   string `json:"critical_issues,omitempty"`
	Improvements     string `json:"improvements,omitempty"`
	MinorSuggestions string `json:"minor_suggestions,omitempty"`
	Strengths        string `json:"strengths,omitempty"`
}

// FinalReport is the synthesized output of a completed review. The overall
// score is computed arithmetically from critiques, never parsed from prose.
type FinalReport struct {
	OverallScore   float64               `json:"overall_score"`
	Recommendation Recommendation        `json:"recommendation"`
	AgentScores    map[AgentType]float64 `json:"agent_scores"`
	Issues         []Issue               `json:"issues"`
	Sections       ReportSections        `json:"sections"`
	Narrative      string                `json:"narrative,omitempty"`
	Degraded       bool                  `json:"degraded"`
	Disclaimer     string                `json:"disclaimer"`
	GeneratedAt    time.Time             `json:"generated_at"`
}

// Summary renders a one-line description for status output and logs.
func (r *FinalReport) Summary() string {
	return fmt.Sprintf("score %.1f/10, %s, %d issues", r.OverallScore, r.Recommendation, len(r.Issues))
}
