package job

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/lucasnoah/matrixci/internal/pipeline"
)

var nonIdent = regexp.MustCompile(`[^A-Z0-9_]`)

// Env is an ordered KEY=value set where later writes win but keep the
// key's first position.
type Env struct {
	keys []string
	vals map[string]string
}

// NewEnv starts a set from exec-form entries. Entries without "=" or with
// an empty key are dropped.
func NewEnv(base []string) *Env {
	e := &Env{vals: make(map[string]string)}
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		e.Set(k, v)
	}
	return e
}

// Set assigns key. A new key is appended; an existing one keeps its place.
func (e *Env) Set(key, value string) {
	if _, ok := e.vals[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.vals[key] = value
}

// Get returns the value of key and whether it is set.
func (e *Env) Get(key string) (string, bool) {
	v, ok := e.vals[key]
	return v, ok
}

// Apply sets vars in order, so a later entry overrides an earlier one.
func (e *Env) Apply(vars []pipeline.EnvVar) {
	for _, v := range vars {
		e.Set(v.Key, v.Value)
	}
}

// Slice returns the environment in exec form.
func (e *Env) Slice() []string {
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.vals[k])
	}
	return out
}

// Clone copies the set so phase-specific variables do not leak.
func (e *Env) Clone() *Env {
	c := &Env{keys: append([]string(nil), e.keys...), vals: make(map[string]string, len(e.vals))}
	for k, v := range e.vals {
		c.vals[k] = v
	}
	return c
}

// versionVar names the per-language version variable, e.g. MATRIXCI_PYTHON_VERSION.
func versionVar(language string) string {
	return "MATRIXCI_" + nonIdent.ReplaceAllString(strings.ToUpper(language), "_") + "_VERSION"
}

// buildEnv layers process env < built-ins < pipeline env < job env.
func buildEnv(base []string, j *pipeline.Job, opts RunOpts) *Env {
	e := NewEnv(base)

	e.Set("CI", "true")
	e.Set("MATRIXCI", "true")
	e.Set("MATRIXCI_RUN_ID", opts.RunID)
	e.Set("MATRIXCI_STAGE", j.Stage())
	e.Set("MATRIXCI_JOB_ID", j.ID())
	e.Set("MATRIXCI_JOB_INDEX", strconv.Itoa(j.Index()))
	e.Set("MATRIXCI_COMMIT", opts.Trigger.Commit)
	e.Set("MATRIXCI_BRANCH", opts.Trigger.Branch)
	e.Set("MATRIXCI_EVENT", opts.Trigger.Event)
	if j.Language() != "" {
		e.Set("MATRIXCI_LANGUAGE", j.Language())
		e.Set(versionVar(j.Language()), j.Version())
	}

	e.Apply(opts.PipelineEnv)
	e.Apply(j.Env())
	return e
}
