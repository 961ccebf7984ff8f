package embedding

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/justnews/fabric/pkg/apierr"
)

// BusCaller is the narrow slice of *bus.Bus that BusModel needs,
// letting this package avoid importing pkg/bus directly (same pattern
// as pkg/ingest.BusCaller).
type BusCaller interface {
	Call(ctx context.Context, agent, tool string, args []any, kwargs map[string]any) (json.RawMessage, error)
}

// BusModel computes embeddings by calling the configured embedding
// model agent over the MCP Bus — the actual model server is an
// external collaborator (spec §6's out-of-scope inference kernels).
type BusModel struct {
	bus     BusCaller
	modelID string
}

func NewBusModel(bus BusCaller, modelID string) *BusModel {
	return &BusModel{bus: bus, modelID: modelID}
}

func (m *BusModel) ModelID() string {
	return m.modelID
}

func (m *BusModel) Embed(ctx context.Context, text string) ([]float32, error) {
	raw, err := m.bus.Call(ctx, "embedding", "embed", nil, map[string]any{
		"model": m.modelID,
		"text":  text,
	})
	if err != nil {
		return nil, apierr.Wrap("embedding.bus_model", apierr.KindUpstream, err, "embedding call failed")
	}

	values := gjson.ParseBytes(raw).Get("vector").Array()
	vector := make([]float32, len(values))
	for i, v := range values {
		vector[i] = float32(v.Float())
	}
	return vector, nil
}
