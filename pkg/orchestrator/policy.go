package orchestrator

import (
	"context"

	"github.com/justnews/fabric/pkg/apierr"
)

// DeviceProbe reports free GPU memory for a given index — an external
// collaborator (spec §6), typically backed by NVML. Probe failure maps
// to precondition_failed unless ORCH_ALLOW_UNPROBED_GPU overrides it.
type DeviceProbe interface {
	FreeMemoryMB(ctx context.Context, gpuIndex int) (int64, error)
}

// AgentModelRule is one entry of AGENT_MODEL_MAP: which models an agent
// may lease, and at what VRAM budget.
type AgentModelRule struct {
	Agent        string `yaml:"agent"`
	AllowedModel string `yaml:"allowed_model"`
	VRAMBudgetMB int64  `yaml:"vram_budget_mb"`
}

// Policy evaluates AGENT_MODEL_MAP fit.
type Policy struct {
	rules            []AgentModelRule
	allowUnprobedGPU bool
}

func NewPolicy(rules []AgentModelRule, allowUnprobedGPU bool) *Policy {
	return &Policy{rules: rules, allowUnprobedGPU: allowUnprobedGPU}
}

// Check validates that agent is permitted to lease modelID, returning the
// VRAM budget to enforce against probed headroom.
func (p *Policy) Check(agent, modelID string) (int64, error) {
	for _, r := range p.rules {
		if r.Agent == agent && (r.AllowedModel == modelID || r.AllowedModel == "*") {
			return r.VRAMBudgetMB, nil
		}
	}
	return 0, apierr.New("orchestrator.lease_gpu", apierr.KindPrecondition, "denied_by_policy")
}

// CheckHeadroom consults probe for gpuIndex and compares against
// budgetMB, honoring ORCH_ALLOW_UNPROBED_GPU on probe failure (spec
// §9 open-question resolution).
func (p *Policy) CheckHeadroom(ctx context.Context, probe DeviceProbe, gpuIndex int, budgetMB int64) error {
	if probe == nil {
		if p.allowUnprobedGPU {
			return nil
		}
		return apierr.New("orchestrator.lease_gpu", apierr.KindPrecondition, "headroom_unknown")
	}

	free, err := probe.FreeMemoryMB(ctx, gpuIndex)
	if err != nil {
		if p.allowUnprobedGPU {
			return nil
		}
		return apierr.Wrap("orchestrator.lease_gpu", apierr.KindPrecondition, err, "headroom_unknown")
	}
	if free < budgetMB {
		return apierr.New("orchestrator.lease_gpu", apierr.KindPrecondition, "insufficient_headroom")
	}
	return nil
}
