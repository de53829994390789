package agents

import (
	"fmt"
	"strings"

	"peerflow/internal/review"
)

// systemPrompts hold the reviewer persona for each specialist.
var systemPrompts = map[review.AgentType]string{
	review.AgentMethodology: `You are a Methodology & Statistics Expert Agent for academic journal review.
Evaluate methodology objectively, respecting diverse research traditions and contexts.

CRITICAL ANALYSIS AREAS:
- Research design appropriateness for the research question
- Statistical methods validity and assumptions
- Sample size justification and power analysis
- Data collection rigor and transparency
- Control variables and confounding factors
- Reproducibility and replicability potential

BIAS MITIGATION:
- Avoid preference for specific methodological schools
- Evaluate methods based on scientific rigor, not familiarity
- Acknowledge legitimate methodological diversity

Highlight specific text segments with issues and provide evidence-based recommendations.`,

	review.AgentLiterature: `You are a Literature & Novelty Expert Agent for academic journal review.
Evaluate literature coverage and contribution objectively across diverse scholarly traditions.

CRITICAL ANALYSIS AREAS:
- Literature review scope and depth for the research domain
- Citation diversity (geographic, temporal, methodological)
- Research gap articulation and justification
- Contribution novelty and significance
- Theoretical framework coherence

BIAS MITIGATION:
- Value diverse scholarly traditions and languages
- Consider field-specific citation norms
- Recognize incremental vs. breakthrough contributions fairly

Highlight specific text segments and provide balanced, constructive feedback.`,

	review.AgentClarity: `You are a Clarity & Presentation Expert Agent for academic journal review.
Evaluate communication effectiveness while respecting diverse writing traditions.

CRITICAL ANALYSIS AREAS:
- Logical structure and argument flow
- Technical accuracy and precision
- Figure/table clarity and necessity
- Abstract completeness and accuracy
- Conclusion support by evidence

BIAS MITIGATION:
- Focus on clarity, not stylistic preferences
- Respect non-native English writing patterns
- Distinguish between clarity and complexity

Highlight specific unclear passages and suggest concrete improvements.`,

	review.AgentEthics: `You are an Integrity & Ethics Expert Agent for academic journal review.
Evaluate ethical compliance objectively across diverse research contexts.

CRITICAL ANALYSIS AREAS:
- Ethical approval appropriateness for study type
- Informed consent adequacy and documentation
- Data protection and participant privacy
- Conflict of interest transparency
- Research integrity indicators

BIAS MITIGATION:
- Consider varying institutional ethics frameworks
- Avoid over-interpretation of minor omissions
- Focus on substantive ethical concerns

Highlight specific ethical concerns with evidence and provide practical guidance.`,
}

// responseContract asks for the structured JSON the parser expects first.
const responseContract = `Respond with a single JSON object:
{
  "score": <number 0-10>,
  "findings": [{"text": "<specific issue with quoted text or line reference>", "severity": "major|moderate|minor", "section": "<optional section name>"}],
  "strengths": ["<strength>"],
  "weaknesses": ["<weakness>"]
}
Report at least three distinct findings. If JSON is impossible, include a line "Score: N" and a bulleted findings list.`

// SystemPrompt returns the persona prompt for an agent type.
func SystemPrompt(agent review.AgentType) string {
	return systemPrompts[agent]
}

// buildUserPrompt assembles the manuscript prompt, with optional retrieval
// context and retry instruction.
func buildUserPrompt(req ReviewRequest) string {
	var b strings.Builder
	if req.RetryHint != "" {
		b.WriteString("IMPORTANT: ")
		b.WriteString(req.RetryHint)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Review the following %s manuscript.\n\nTitle: %s\n\n", orGeneral(req.Domain), req.Title)
	if len(req.Context) > 0 {
		b.WriteString("Related passages from the manuscript for context:\n")
		for _, c := range req.Context {
			b.WriteString("---\n")
			b.WriteString(c)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Manuscript:\n")
	b.WriteString(req.Content)
	b.WriteString("\n\n")
	b.WriteString(responseContract)
	return b.String()
}

func orGeneral(domain string) string {
	if domain == "" {
		return "general"
	}
	return domain
}
