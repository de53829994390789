package review

import "testing"

func TestParseSeverity(t *testing.T) {
	cases := map[string]Severity{
		"major":     SeverityMajor,
		"HIGH":      SeverityMajor,
		"critical":  SeverityMajor,
		"moderate":  SeverityModerate,
		"Medium":    SeverityModerate,
		"minor":     SeverityMinor,
		"low":       SeverityMinor,
		"trivial":   SeverityMinor,
		"":          SeverityModerate,
		"whatever":  SeverityModerate,
		" major  ":  SeverityMajor,
	}
	for raw, want := range cases {
		if got := ParseSeverity(raw); got != want {
			t.Errorf("ParseSeverity(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestSeverityRank(t *testing.T) {
	if !(SeverityMajor.Rank() > SeverityModerate.Rank() && SeverityModerate.Rank() > SeverityMinor.Rank()) {
		t.Error("severity ranks out of order")
	}
}

func TestWeightProfile(t *testing.T) {
	w := WeightProfile{Methodology: 0.4, Ethics: 0.3, Literature: 0.2, Clarity: 0.1}
	if w.Weight(AgentMethodology) != 0.4 || w.Weight(AgentClarity) != 0.1 {
		t.Error("weight lookup wrong")
	}
	if w.Weight(AgentType("bogus")) != 0 {
		t.Error("unknown agent should weigh zero")
	}
	if sum := w.Sum(); sum < 0.999 || sum > 1.001 {
		t.Errorf("sum = %f", sum)
	}
}

func TestAvailableCritiquesCanonicalOrder(t *testing.T) {
	s := NewWorkflowState("id")
	// Insert out of canonical order.
	s.Critiques[AgentEthics] = &Critique{Agent: AgentEthics}
	s.Critiques[AgentMethodology] = &Critique{Agent: AgentMethodology}

	got := s.AvailableCritiques()
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Agent != AgentMethodology || got[1].Agent != AgentEthics {
		t.Errorf("order = %s, %s", got[0].Agent, got[1].Agent)
	}
}

func TestTerminalStages(t *testing.T) {
	for _, s := range []Stage{StageCompleted, StageFailed, StageCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Stage{StageInit, StageDomainDetect, StageParallelReview, StageSynthesis} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
