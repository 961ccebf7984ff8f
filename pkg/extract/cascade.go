package extract

import (
	"context"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/justnews/fabric/pkg/apierr"
)

// Extractor is one stage of the extraction cascade — an external
// collaborator (trafilatura, readability, jusText are all out-of-process
// tools in the original platform; spec §6 treats raw-HTML fetch and the
// extractor binaries as external collaborators this package calls out to).
type Extractor interface {
	Name() string
	Extract(ctx context.Context, rawHTML string) (Extraction, error)
}

// Extraction is one extractor's output plus its confidence score.
type Extraction struct {
	Title      string
	Body       string
	Confidence float64
}

// Cascade runs extractors in priority order, keeping the first result
// whose confidence exceeds threshold (spec §4.4.2: Trafilatura →
// readability → jusText).
type Cascade struct {
	extractors []Extractor
	threshold  float64
}

func NewCascade(threshold float64, extractors ...Extractor) *Cascade {
	if threshold == 0 {
		threshold = 0.7
	}
	return &Cascade{extractors: extractors, threshold: threshold}
}

// Run returns the first sufficiently-confident extraction, or the
// highest-confidence extraction seen if none clear the threshold (the
// caller still persists the article and marks it needs_review).
func (c *Cascade) Run(ctx context.Context, rawHTML string) (Extraction, string, error) {
	var best Extraction
	var bestName string
	for _, e := range c.extractors {
		result, err := e.Extract(ctx, rawHTML)
		if err != nil {
			continue
		}
		if bestName == "" || result.Confidence > best.Confidence {
			best = result
			bestName = e.Name()
		}
		if result.Confidence > c.threshold {
			return result, e.Name(), nil
		}
	}
	if bestName == "" {
		return Extraction{}, "", apierr.New("extract.cascade", apierr.KindUpstream, "all extractors failed")
	}
	return best, bestName, nil
}

// Metadata captures JSON-LD/microdata-derived fields (spec §4.4.2).
type Metadata struct {
	PublicationDate time.Time
	Authors         []string
	Canonical       string
	Section         string
	Tags            []string
	Language        string
}

// ParseJSONLD extracts a NewsArticle-shaped JSON-LD block's metadata
// fields using gjson, tolerating absent fields.
func ParseJSONLD(blob string) Metadata {
	var m Metadata
	if !gjson.Valid(blob) {
		return m
	}
	root := gjson.Parse(blob)
	if v := root.Get("datePublished"); v.Exists() {
		if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
			m.PublicationDate = t
		}
	}
	if v := root.Get("author"); v.IsArray() {
		v.ForEach(func(_, value gjson.Result) bool {
			if name := value.Get("name"); name.Exists() {
				m.Authors = append(m.Authors, name.String())
			}
			return true
		})
	} else if v.Exists() {
		if name := v.Get("name"); name.Exists() {
			m.Authors = append(m.Authors, name.String())
		}
	}
	if v := root.Get("articleSection"); v.Exists() {
		m.Section = v.String()
	}
	if v := root.Get("keywords"); v.Exists() {
		m.Tags = strings.Split(v.String(), ",")
		for i := range m.Tags {
			m.Tags[i] = strings.TrimSpace(m.Tags[i])
		}
	}
	if v := root.Get("inLanguage"); v.Exists() {
		m.Language = v.String()
	}
	return m
}

// QualityCheck is one heuristic applied after extraction (spec §4.4.2).
type QualityCheck struct {
	MinWords         int
	MaxBoilerplate   float64
	RequireTitle     bool
}

// Evaluate returns review reasons for every failing heuristic — the
// article is still persisted, only flagged needs_review.
func (q QualityCheck) Evaluate(title, body string, boilerplateRatio float64, languageDetected bool) []string {
	var reasons []string
	words := len(strings.Fields(body))
	if words < q.MinWords {
		reasons = append(reasons, "body_too_short")
	}
	if boilerplateRatio > q.MaxBoilerplate {
		reasons = append(reasons, "high_boilerplate_ratio")
	}
	if q.RequireTitle && strings.TrimSpace(title) == "" {
		reasons = append(reasons, "missing_title")
	}
	if !languageDetected {
		reasons = append(reasons, "language_undetected")
	}
	return reasons
}
