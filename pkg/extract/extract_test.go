package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLowercasesHostAndStripsTracking(t *testing.T) {
	out, err := Normalize("https://Example.COM/a/b/?utm_source=x&id=1#frag", "")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a/b?id=1", out)
}

func TestNormalizeHonorsCanonical(t *testing.T) {
	out, err := Normalize("https://example.com/amp", "https://example.com/full")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/full", out)
}

func TestHashURLDeterministic(t *testing.T) {
	h1, err := HashURL("https://example.com/a", "sha256")
	require.NoError(t, err)
	h2, err := HashURL("https://example.com/a", "sha256")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashURLRejectsUnknownAlgo(t *testing.T) {
	_, err := HashURL("https://example.com/a", "md5")
	require.Error(t, err)
}

type stubExtractor struct {
	name       string
	confidence float64
}

func (s stubExtractor) Name() string { return s.name }
func (s stubExtractor) Extract(ctx context.Context, rawHTML string) (Extraction, error) {
	return Extraction{Title: "t", Body: rawHTML, Confidence: s.confidence}, nil
}

func TestCascadePicksFirstAboveThreshold(t *testing.T) {
	c := NewCascade(0.7, stubExtractor{"trafilatura", 0.5}, stubExtractor{"readability", 0.9})
	result, name, err := c.Run(context.Background(), "body")
	require.NoError(t, err)
	assert.Equal(t, "readability", name)
	assert.Equal(t, 0.9, result.Confidence)
}

func TestCascadeFallsBackToBestWhenNoneClearThreshold(t *testing.T) {
	c := NewCascade(0.95, stubExtractor{"trafilatura", 0.5}, stubExtractor{"readability", 0.6})
	result, name, err := c.Run(context.Background(), "body")
	require.NoError(t, err)
	assert.Equal(t, "readability", name)
	assert.Equal(t, 0.6, result.Confidence)
}

func TestParseJSONLDExtractsAuthorsAndTags(t *testing.T) {
	blob := `{"datePublished":"2024-01-02T15:04:05Z","author":[{"name":"Jane Doe"}],"keywords":"a, b, c"}`
	m := ParseJSONLD(blob)
	assert.Equal(t, []string{"Jane Doe"}, m.Authors)
	assert.Equal(t, []string{"a", "b", "c"}, m.Tags)
	assert.False(t, m.PublicationDate.IsZero())
}

func TestQualityCheckFlagsShortBody(t *testing.T) {
	q := QualityCheck{MinWords: 120, MaxBoilerplate: 0.4, RequireTitle: true}
	reasons := q.Evaluate("Title", "too short", 0.1, true)
	assert.Contains(t, reasons, "body_too_short")
}
