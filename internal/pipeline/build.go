package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/lucasnoah/matrixci/internal/config"
)

// Build validates cfg and turns it into an immutable Pipeline. Stage ranks
// follow the order of the stages list.
func Build(cfg *config.PipelineConfig) (*Pipeline, error) {
	if errs := config.Validate(cfg); len(errs) > 0 {
		joined := make([]error, len(errs))
		for i, e := range errs {
			joined[i] = e
		}
		return nil, fmt.Errorf("invalid pipeline: %w", errors.Join(joined...))
	}

	p := &Pipeline{
		name:        cfg.Name,
		failFast:    cfg.FailFast,
		parallelism: cfg.Parallelism,
		env:         mustParseEnv(cfg.Env),
	}

	byName := make(map[string]*Stage, len(cfg.Stages))
	for i, ref := range cfg.Stages {
		s := &Stage{name: ref.Name, rank: i}
		byName[ref.Name] = s
		p.stages = append(p.stages, s)
	}

	for _, cj := range cfg.Jobs.Include {
		s := byName[cj.Stage]
		j := &Job{
			id:       fmt.Sprintf("%s.%d", s.name, len(s.jobs)+1),
			stage:    s.name,
			index:    len(s.jobs),
			language: cj.Language,
			version:  cj.LanguageVersion(),
			env:      mustParseEnv(cj.Env),
			phases: map[Phase][]string{
				PhaseInstall:      slices.Clone(cj.Install),
				PhaseBeforeScript: slices.Clone(cj.BeforeScript),
				PhaseScript:       slices.Clone(cj.Script),
				PhaseAfterSuccess: slices.Clone(cj.AfterSuccess),
			},
		}
		s.jobs = append(s.jobs, j)
	}

	return p, nil
}

// mustParseEnv is only called on validated entries.
func mustParseEnv(entries []string) []EnvVar {
	out := make([]EnvVar, 0, len(entries))
	for _, e := range entries {
		k, v, err := config.ParseEnv(e)
		if err != nil {
			panic(err)
		}
		out = append(out, EnvVar{Key: k, Value: v})
	}
	return out
}

// Digest is a stable hash of the definition, recorded with each run so two
// runs can be compared for "same pipeline".
func (p *Pipeline) Digest() string {
	type jobView struct {
		ID       string             `json:"id"`
		Language string             `json:"language"`
		Version  string             `json:"version"`
		Env      []EnvVar           `json:"env"`
		Phases   map[Phase][]string `json:"phases"`
	}
	type stageView struct {
		Name string    `json:"name"`
		Rank int       `json:"rank"`
		Jobs []jobView `json:"jobs"`
	}
	view := struct {
		Name        string      `json:"name"`
		FailFast    bool        `json:"fail_fast"`
		Parallelism int         `json:"parallelism"`
		Env         []EnvVar    `json:"env"`
		Stages      []stageView `json:"stages"`
	}{Name: p.name, FailFast: p.failFast, Parallelism: p.parallelism, Env: p.env}

	for _, s := range p.stages {
		sv := stageView{Name: s.name, Rank: s.rank}
		for _, j := range s.jobs {
			sv.Jobs = append(sv.Jobs, jobView{
				ID: j.id, Language: j.language, Version: j.version, Env: j.env, Phases: j.phases,
			})
		}
		view.Stages = append(view.Stages, sv)
	}

	// json.Marshal sorts map keys, so the encoding is canonical.
	data, _ := json.Marshal(view)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
