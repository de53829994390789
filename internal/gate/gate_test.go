package gate

import (
	"strings"
	"testing"

	"peerflow/internal/review"
)

func goodCritique() *review.Critique {
	return &review.Critique{
		Agent: review.AgentMethodology,
		Score: 7,
		Findings: []review.Finding{
			{Text: "Sample size justification is absent from the methods section.", Severity: review.SeverityMajor},
			{Text: "The regression model omits the pre-registered covariates.", Severity: review.SeverityModerate},
			{Text: "Randomization procedure is described only in the appendix.", Severity: review.SeverityMinor},
		},
	}
}

func TestCheckPasses(t *testing.T) {
	g := New(3, 0, 10)
	if v := g.Check(goodCritique()); !v.Passed {
		t.Errorf("valid critique rejected: %v", v.Reasons)
	}
}

func TestCheckMalformed(t *testing.T) {
	g := New(3, 0, 10)
	c := goodCritique()
	c.Malformed = true
	c.MalformedReason = "no parsable score"

	v := g.Check(c)
	if v.Passed {
		t.Fatal("malformed critique passed")
	}
	if len(v.Reasons) != 1 || !strings.Contains(v.Reasons[0], "malformed") {
		t.Errorf("reasons: %v", v.Reasons)
	}
}

func TestCheckScoreOutOfRange(t *testing.T) {
	g := New(3, 0, 10)
	for _, score := range []float64{-1, 10.5, 42} {
		c := goodCritique()
		c.Score = score
		if v := g.Check(c); v.Passed {
			t.Errorf("score %f passed", score)
		}
	}
}

func TestCheckTooFewFindings(t *testing.T) {
	g := New(3, 0, 10)
	c := goodCritique()
	c.Findings = c.Findings[:2]

	v := g.Check(c)
	if v.Passed {
		t.Fatal("critique with 2 findings passed a 3-finding gate")
	}
}

func TestCheckPlaceholderFinding(t *testing.T) {
	g := New(3, 0, 10)
	c := goodCritique()
	c.Findings[1].Text = "PLACEHOLDER"

	if v := g.Check(c); v.Passed {
		t.Fatal("placeholder finding passed")
	}

	c = goodCritique()
	c.Findings[2].Text = "   "
	if v := g.Check(c); v.Passed {
		t.Fatal("empty finding passed")
	}
}

func TestCheckCollectsAllReasons(t *testing.T) {
	g := New(3, 0, 10)
	c := &review.Critique{Agent: review.AgentClarity, Score: 15}

	v := g.Check(c)
	if len(v.Reasons) < 2 {
		t.Errorf("expected score and findings reasons, got %v", v.Reasons)
	}
}

func TestRetryInstructionTargetsFailure(t *testing.T) {
	g := New(3, 0, 10)

	c := goodCritique()
	c.Findings = c.Findings[:1]
	v := g.Check(c)
	instr := g.RetryInstruction(c, v)
	if !strings.Contains(instr, "at least 3") {
		t.Errorf("instruction should demand more findings: %q", instr)
	}

	c = goodCritique()
	c.Malformed = true
	v = g.Check(c)
	instr = g.RetryInstruction(c, v)
	if !strings.Contains(instr, "valid JSON") {
		t.Errorf("instruction should demand valid JSON: %q", instr)
	}
}
