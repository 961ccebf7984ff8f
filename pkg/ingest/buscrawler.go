package ingest

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/justnews/fabric/pkg/apierr"
	"github.com/justnews/fabric/pkg/types"
)

// BusCaller is the subset of *bus.Bus a BusCrawler needs — kept narrow
// so this package never imports pkg/bus directly (the crawler agent is
// a separate process reached over HTTP via the bus's call router).
type BusCaller interface {
	Call(ctx context.Context, agent, tool string, args []any, kwargs map[string]any) (json.RawMessage, error)
}

// BusCrawler implements Crawler by invoking the registered "crawler"
// agent's crawl tool over the MCP Bus and parsing its JSON response
// with gjson, matching the cascade's existing JSON-LD parsing style.
type BusCrawler struct {
	bus       BusCaller
	agentName string
}

func NewBusCrawler(bus BusCaller, agentName string) *BusCrawler {
	if agentName == "" {
		agentName = "crawler"
	}
	return &BusCrawler{bus: bus, agentName: agentName}
}

func (c *BusCrawler) Crawl(ctx context.Context, domain string, profile types.CrawlProfile, maxLinks int) ([]CrawledPage, error) {
	kwargs := map[string]any{
		"domain":       domain,
		"include":      profile.Include,
		"exclude":      profile.Exclude,
		"concurrency":  profile.Concurrency,
		"skip_seeds":   profile.SkipSeeds,
		"retry_budget": profile.RetryBudget,
		"max_links":    maxLinks,
	}
	raw, err := c.bus.Call(ctx, c.agentName, "crawl", nil, kwargs)
	if err != nil {
		return nil, apierr.Wrap("ingest.bus_crawl", apierr.KindUpstream, err, "crawler agent call failed")
	}

	result := gjson.ParseBytes(raw)
	if !result.IsObject() {
		return nil, apierr.New("ingest.bus_crawl", apierr.KindUpstream, "crawler response was not a JSON object")
	}

	var pages []CrawledPage
	result.Get("pages").ForEach(func(_, page gjson.Result) bool {
		pages = append(pages, CrawledPage{
			URL:       page.Get("url").String(),
			Canonical: page.Get("canonical").String(),
			RawHTML:   page.Get("raw_html").String(),
		})
		return true
	})
	return pages, nil
}
