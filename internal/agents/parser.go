package agents

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"peerflow/internal/review"
)

// critiqueWire is the JSON shape the response contract requests.
type critiqueWire struct {
	Score    *float64 `json:"score"`
	Findings []struct {
		Text     string `json:"text"`
		Severity string `json:"severity"`
		Section  string `json:"section"`
	} `json:"findings"`
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
}

var (
	scoreMarkerRe = regexp.MustCompile(`(?i)score:?\s*(\d+(?:\.\d+)?)`)
	bulletRe      = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.{10,})$`)
	severityTagRe = regexp.MustCompile(`(?i)[\[(](major|moderate|minor|high|critical|medium|low|trivial)[\])]`)
)

// ParseCritique extracts a structured critique from raw model output. It
// never fails: output that yields no usable score comes back flagged
// Malformed with a reason, and the raw text is always preserved.
func ParseCritique(agent review.AgentType, raw string) *review.Critique {
	c := &review.Critique{Agent: agent, Raw: raw}

	if parseJSON(c, raw) {
		return c
	}
	if parseMarkers(c, raw) {
		return c
	}

	c.Malformed = true
	c.MalformedReason = "no parsable score in response"
	return c
}

// parseJSON attempts the structured contract, tolerating code fences and
// surrounding prose.
func parseJSON(c *review.Critique, raw string) bool {
	payload := extractJSONObject(raw)
	if payload == "" {
		return false
	}
	var wire critiqueWire
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return false
	}
	if wire.Score == nil {
		return false
	}

	c.Score = *wire.Score
	for _, f := range wire.Findings {
		text := strings.TrimSpace(f.Text)
		if text == "" {
			continue
		}
		c.Findings = append(c.Findings, review.Finding{
			Text:     text,
			Severity: review.ParseSeverity(f.Severity),
			Agent:    c.Agent,
			Section:  strings.TrimSpace(f.Section),
		})
	}
	c.Strengths = trimAll(wire.Strengths)
	c.Weaknesses = trimAll(wire.Weaknesses)
	return true
}

// extractJSONObject returns the first balanced top-level JSON object in s.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// parseMarkers falls back to "Score: N" plus bulleted findings.
func parseMarkers(c *review.Critique, raw string) bool {
	m := scoreMarkerRe.FindStringSubmatch(raw)
	if m == nil {
		return false
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return false
	}
	c.Score = score

	for _, line := range strings.Split(raw, "\n") {
		bm := bulletRe.FindStringSubmatch(line)
		if bm == nil {
			continue
		}
		text := strings.TrimSpace(bm[1])
		severity := review.SeverityModerate
		if sm := severityTagRe.FindStringSubmatch(text); sm != nil {
			severity = review.ParseSeverity(sm[1])
			text = strings.TrimSpace(severityTagRe.ReplaceAllString(text, ""))
		}
		c.Findings = append(c.Findings, review.Finding{
			Text:     text,
			Severity: severity,
			Agent:    c.Agent,
		})
	}
	return true
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
