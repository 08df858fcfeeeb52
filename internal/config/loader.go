package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultStage is the stage assigned to leading jobs that do not name one.
const DefaultStage = "test"

// DefaultFileNames lists the pipeline files LoadDefault looks for, in order.
var DefaultFileNames = []string{".matrixci.yml", ".matrixci.yaml", ".travis.yml"}

// Load reads and parses a pipeline configuration from the given YAML file path.
// After parsing, it applies pipeline-level defaults to jobs.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes pipeline YAML and applies defaults.
func Parse(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault loads the first pipeline file found in dir.
func LoadDefault(dir string) (*PipelineConfig, string, error) {
	var candidates []string
	for _, name := range DefaultFileNames {
		path := filepath.Join(dir, name)
		candidates = append(candidates, path)
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}

	return nil, "", fmt.Errorf("no pipeline config found (searched: %v)", candidates)
}

// applyDefaults fills job fields the job left unset from the pipeline level:
// language, phases, and stage (sticky from the previous job).
func applyDefaults(cfg *PipelineConfig) {
	// With no explicit stage list, the stage order is first-seen job order.
	declared := len(cfg.Stages) > 0

	current := ""
	seen := make(map[string]bool)
	for i := range cfg.Jobs.Include {
		j := &cfg.Jobs.Include[i]

		if j.Stage == "" {
			if current == "" {
				current = DefaultStage
			}
			j.Stage = current
		}
		current = j.Stage

		if !declared && !seen[j.Stage] {
			cfg.Stages = append(cfg.Stages, StageRef{Name: j.Stage})
		}
		seen[j.Stage] = true

		if j.Language == "" {
			j.Language = cfg.Language
		}
		if j.Install == nil {
			j.Install = cfg.Install
		}
		if j.BeforeScript == nil {
			j.BeforeScript = cfg.BeforeScript
		}
		if j.Script == nil {
			j.Script = cfg.Script
		}
		if j.AfterSuccess == nil {
			j.AfterSuccess = cfg.AfterSuccess
		}
	}
}
