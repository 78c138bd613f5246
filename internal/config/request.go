package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"portimpact/internal/errors"
)

// AnalysisRequest is a declarative analysis request loaded from a YAML
// file. Field applicability depends on the method; the engine validates
// method-specific requirements.
type AnalysisRequest struct {
	Method    string `yaml:"method"`
	PanelFile string `yaml:"panel_file"`

	Outcomes []string `yaml:"outcomes"`
	Controls []string `yaml:"controls"`

	TreatedIDs    []string `yaml:"treated_ids"`
	TreatmentTime int      `yaml:"treatment_time"`
	ClusterBy     string   `yaml:"cluster_by"`
	PreWindow     int      `yaml:"pre_window"`
	PostWindow    int      `yaml:"post_window"`
	EventWindow   int      `yaml:"event_window"`

	Endogenous             string   `yaml:"endogenous"`
	Instrument             string   `yaml:"instrument"`
	AlternativeInstruments []string `yaml:"alternative_instruments"`
	EntityEffects          *bool    `yaml:"entity_effects"`
	TimeEffects            *bool    `yaml:"time_effects"`
}

// LoadRequest reads and parses an analysis request file.
func LoadRequest(path string) (*AnalysisRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read request file")
	}
	var req AnalysisRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, errors.Wrap(err, "failed to parse request file")
	}
	if req.Method == "" {
		return nil, errors.Validation("request file must set method")
	}
	if len(req.Outcomes) == 0 {
		return nil, errors.Validation("request file must name at least one outcome")
	}
	return &req, nil
}
