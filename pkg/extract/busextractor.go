package extract

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/justnews/fabric/pkg/apierr"
)

// BusCaller is the narrow slice of *bus.Bus that BusExtractor needs,
// letting this package avoid importing pkg/bus directly (same pattern
// as pkg/ingest.BusCaller).
type BusCaller interface {
	Call(ctx context.Context, agent, tool string, args []any, kwargs map[string]any) (json.RawMessage, error)
}

// BusExtractor runs one named extraction tool (trafilatura, readability,
// justext) over the MCP Bus — the out-of-process extractor binaries
// spec §6 treats as external collaborators.
type BusExtractor struct {
	bus  BusCaller
	name string
}

func NewBusExtractor(bus BusCaller, name string) *BusExtractor {
	return &BusExtractor{bus: bus, name: name}
}

func (e *BusExtractor) Name() string {
	return e.name
}

func (e *BusExtractor) Extract(ctx context.Context, rawHTML string) (Extraction, error) {
	raw, err := e.bus.Call(ctx, "extractor", e.name, nil, map[string]any{"html": rawHTML})
	if err != nil {
		return Extraction{}, apierr.Wrapf("extract.bus_extractor", apierr.KindUpstream, err, "%s extraction failed", e.name)
	}

	result := gjson.ParseBytes(raw)
	return Extraction{
		Title:      result.Get("title").String(),
		Body:       result.Get("body").String(),
		Confidence: result.Get("confidence").Float(),
	}, nil
}
