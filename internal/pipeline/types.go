package pipeline

import "slices"

// Phase is one of the ordered step groups of a job.
type Phase string

const (
	PhaseInstall      Phase = "install"
	PhaseBeforeScript Phase = "before_script"
	PhaseScript       Phase = "script"
	PhaseAfterSuccess Phase = "after_success"
)

// FatalPhases run in order and stop the job at the first failing step.
var FatalPhases = []Phase{PhaseInstall, PhaseBeforeScript, PhaseScript}

// Step is a single shell command within a job phase.
type Step struct {
	Phase   Phase  `json:"phase"`
	Index   int    `json:"index"`
	Command string `json:"command"`
}

// EnvVar is one KEY=value pair declared on a pipeline or job.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (e EnvVar) String() string {
	return e.Key + "=" + e.Value
}

// Pipeline is the validated, immutable definition of a run. Build is the
// only constructor; accessors hand out copies.
type Pipeline struct {
	name        string
	failFast    bool
	parallelism int
	env         []EnvVar
	stages      []*Stage
}

func (p *Pipeline) Name() string     { return p.name }
func (p *Pipeline) FailFast() bool   { return p.failFast }
func (p *Pipeline) Parallelism() int { return p.parallelism }
func (p *Pipeline) Env() []EnvVar    { return slices.Clone(p.env) }

// Stages returns the stages sorted by rank.
func (p *Pipeline) Stages() []*Stage { return slices.Clone(p.stages) }

// Job looks a job up by ID across all stages.
func (p *Pipeline) Job(id string) (*Job, bool) {
	for _, s := range p.stages {
		for _, j := range s.jobs {
			if j.id == id {
				return j, true
			}
		}
	}
	return nil, false
}

// JobCount is the total number of jobs across stages.
func (p *Pipeline) JobCount() int {
	n := 0
	for _, s := range p.stages {
		n += len(s.jobs)
	}
	return n
}

// Stage is a named phase of the pipeline with an explicit execution rank.
type Stage struct {
	name string
	rank int
	jobs []*Job
}

func (s *Stage) Name() string { return s.name }
func (s *Stage) Rank() int    { return s.rank }
func (s *Stage) Jobs() []*Job { return slices.Clone(s.jobs) }

// Job is one interpreter/version-scoped unit of work.
type Job struct {
	id       string
	stage    string
	index    int
	language string
	version  string
	env      []EnvVar
	phases   map[Phase][]string
}

// ID is "<stage>.<n>", 1-based within the stage and stable across runs.
func (j *Job) ID() string       { return j.id }
func (j *Job) Stage() string    { return j.stage }
func (j *Job) Index() int       { return j.index }
func (j *Job) Language() string { return j.language }
func (j *Job) Version() string  { return j.version }
func (j *Job) Env() []EnvVar    { return slices.Clone(j.env) }

// Name is a human label such as "python 3.6".
func (j *Job) Name() string {
	switch {
	case j.language != "" && j.version != "":
		return j.language + " " + j.version
	case j.language != "":
		return j.language
	default:
		return j.id
	}
}

// Steps returns the steps of one phase in execution order.
func (j *Job) Steps(phase Phase) []Step {
	cmds := j.phases[phase]
	steps := make([]Step, len(cmds))
	for i, c := range cmds {
		steps[i] = Step{Phase: phase, Index: i, Command: c}
	}
	return steps
}
