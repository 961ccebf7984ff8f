package orchestrator

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/justnews/fabric/pkg/apierr"
)

type policyFile struct {
	Rules []AgentModelRule `yaml:"rules"`
}

// LoadAgentModelMap reads AGENT_MODEL_MAP_PATH's YAML rule list. A
// missing file yields an empty rule set rather than an error, so a
// fresh deployment can start before the map is authored and rely on
// ORCH_ALLOW_UNPROBED_GPU / an explicit denial until it is.
func LoadAgentModelMap(path string) ([]AgentModelRule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Wrap("orchestrator.load_agent_model_map", apierr.KindTransientInfra, err, "failed to read agent model map")
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, apierr.Wrap("orchestrator.load_agent_model_map", apierr.KindValidation, err, "invalid agent model map YAML")
	}
	return f.Rules, nil
}
