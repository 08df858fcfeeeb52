package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// PipelineConfig is the top-level structure parsed from a pipeline file.
type PipelineConfig struct {
	Name        string     `yaml:"name"`
	Language    string     `yaml:"language"`
	Stages      []StageRef `yaml:"stages"`
	FailFast    bool       `yaml:"fail_fast"`
	Parallelism int        `yaml:"parallelism"`
	Env         []string   `yaml:"env"`

	// Default phases inherited by jobs that leave the phase unset.
	Install      []string `yaml:"install"`
	BeforeScript []string `yaml:"before_script"`
	Script       []string `yaml:"script"`
	AfterSuccess []string `yaml:"after_success"`

	Jobs Jobs `yaml:"jobs"`
}

// Jobs holds the job matrix.
type Jobs struct {
	Include []Job `yaml:"include"`
}

// StageRef names a stage. It accepts either a bare string or a mapping
// with a name key.
type StageRef struct {
	Name string `yaml:"name"`
}

func (s *StageRef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&s.Name)
	case yaml.MappingNode:
		type plain StageRef
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*s = StageRef(p)
		return nil
	default:
		return fmt.Errorf("line %d: stage must be a string or a mapping", node.Line)
	}
}

// Job is one entry of jobs.include. A nil phase slice means "inherit the
// pipeline default"; an explicit empty list means "no steps".
type Job struct {
	Stage        string   `yaml:"stage"`
	Language     string   `yaml:"language"`
	Version      string   `yaml:"version"`
	Install      []string `yaml:"install"`
	BeforeScript []string `yaml:"before_script"`
	Env          []string `yaml:"env"`
	Script       []string `yaml:"script"`
	AfterSuccess []string `yaml:"after_success"`

	// Extra captures keys not listed above; the interpreter version lives
	// under a key named after the language (python: "3.6").
	Extra map[string]yaml.Node `yaml:",inline"`
}

// LanguageVersion returns the version tag declared under the job's language
// key, falling back to an explicit version field.
func (j Job) LanguageVersion() string {
	if j.Version != "" {
		return j.Version
	}
	if j.Language == "" {
		return ""
	}
	node, ok := j.Extra[j.Language]
	if !ok || node.Kind != yaml.ScalarNode {
		return ""
	}
	return node.Value
}
