// Package classify assigns a research domain to a submission from weighted
// keyword evidence, and maps domains onto reviewer weight profiles. Detection
// is deterministic: same input, same domain.
package classify

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"peerflow/internal/logging"
	"peerflow/internal/review"
)

//go:embed table.yaml
var embeddedTable []byte

// DomainGeneral is the fallback when no domain scores above the minimum.
const DomainGeneral = "general"

// domainEntry is one row of the vocabulary table. Slice order is the
// tie-break order.
type domainEntry struct {
	Name          string               `yaml:"name"`
	KeywordWeight float64              `yaml:"keyword_weight"`
	Keywords      []string             `yaml:"keywords"`
	Profile       review.WeightProfile `yaml:"profile"`
}

type table struct {
	DefaultProfile review.WeightProfile `yaml:"default_profile"`
	Domains        []domainEntry        `yaml:"domains"`
}

// Classifier detects the research domain of a manuscript.
type Classifier struct {
	table         table
	minScore      float64
	contentBudget int
}

// Result is the outcome of a detection pass.
type Result struct {
	Domain     string
	Confidence float64 // 0..1
	Scores     map[string]float64
}

// New builds a Classifier from the embedded vocabulary table, or from
// tablePath when non-empty.
func New(minScore float64, contentBudget int, tablePath string) (*Classifier, error) {
	data := embeddedTable
	if tablePath != "" {
		var err error
		data, err = os.ReadFile(tablePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read weight table: %w", err)
		}
	}

	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse weight table: %w", err)
	}
	if len(t.Domains) == 0 {
		return nil, fmt.Errorf("weight table has no domains")
	}
	for _, d := range t.Domains {
		if sum := d.Profile.Sum(); sum < 0.99 || sum > 1.01 {
			return nil, fmt.Errorf("weight profile for %s sums to %.2f, want 1.0", d.Name, sum)
		}
	}
	return &Classifier{table: t, minScore: minScore, contentBudget: contentBudget}, nil
}

// Detect scores every domain against the submission text and returns the
// best. Ties resolve to the earlier table entry; a best score below the
// minimum threshold yields the general domain.
func (c *Classifier) Detect(title, content string) Result {
	text := strings.ToLower(title + " " + content)
	if c.contentBudget > 0 && len(text) > c.contentBudget {
		// Budget counts runes so multi-byte text is never split mid-character.
		if r := []rune(text); len(r) > c.contentBudget {
			text = string(r[:c.contentBudget])
		}
	}

	scores := make(map[string]float64, len(c.table.Domains))
	best := Result{Domain: DomainGeneral, Scores: scores}
	var bestScore float64
	var bestHits, bestKeywords int

	for _, d := range c.table.Domains {
		hits := 0
		for _, kw := range d.Keywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		score := float64(hits) * d.KeywordWeight
		scores[d.Name] = score
		if score > bestScore {
			bestScore = score
			best.Domain = d.Name
			bestHits = hits
			bestKeywords = len(d.Keywords)
		}
	}

	if bestScore < c.minScore {
		best.Domain = DomainGeneral
		best.Confidence = 0
		logging.Get(logging.CategoryClassify).Debugf("no domain above threshold %.2f (best %.2f), using general", c.minScore, bestScore)
		return best
	}

	best.Confidence = float64(bestHits) / float64(bestKeywords)
	if best.Confidence > 1 {
		best.Confidence = 1
	}
	logging.Get(logging.CategoryClassify).Infof("detected domain %s (score %.2f, confidence %.2f)", best.Domain, bestScore, best.Confidence)
	return best
}

// Profile returns the reviewer weight profile for a domain, falling back to
// the default profile for general or unknown domains.
func (c *Classifier) Profile(domain string) review.WeightProfile {
	for _, d := range c.table.Domains {
		if d.Name == domain {
			return d.Profile
		}
	}
	return c.table.DefaultProfile
}

// Domains returns the known domain names in table order.
func (c *Classifier) Domains() []string {
	names := make([]string, len(c.table.Domains))
	for i, d := range c.table.Domains {
		names[i] = d.Name
	}
	return names
}
