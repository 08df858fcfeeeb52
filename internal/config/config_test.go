package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sethvargo/go-envconfig"
)

const validConfig = `
name: moler
language: python
stages:
  - style
  - name: test
env:
  - CI_LEVEL=full
jobs:
  include:
    - stage: style
      python: "3.6"
      install:
        - pip install -U pip
        - pip install -r requirements/ci.txt
      before_script:
        - python -V
      script:
        - python -m pycodestyle --max-line-length=120 moler
    - python: "3.10"
      install:
        - pip install -r requirements/ci.txt
      script:
        - python -m pycodestyle --max-line-length=120 moler
    - stage: test
      python: "3.6"
      env:
        - MOLER_DEBUG_THREADS=True
        - PYTHONPATH=.:lib
      script:
        - python -m pytest -vv test/
    - python: "3.7"
      script:
        - python -m pytest -vv --cov=moler test/
      after_success:
        - coveralls
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ".matrixci.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Name != "moler" {
		t.Errorf("Name = %q, want %q", cfg.Name, "moler")
	}
	if len(cfg.Stages) != 2 || cfg.Stages[0].Name != "style" || cfg.Stages[1].Name != "test" {
		t.Fatalf("Stages = %+v, want [style test]", cfg.Stages)
	}
	if len(cfg.Jobs.Include) != 4 {
		t.Fatalf("len(Jobs.Include) = %d, want 4", len(cfg.Jobs.Include))
	}

	j := cfg.Jobs.Include[0]
	if j.Language != "python" {
		t.Errorf("job 0 Language = %q, want python (inherited)", j.Language)
	}
	if got := j.LanguageVersion(); got != "3.6" {
		t.Errorf("job 0 version = %q, want 3.6", got)
	}
	if len(j.Install) != 2 || j.Install[1] != "pip install -r requirements/ci.txt" {
		t.Errorf("job 0 Install = %v", j.Install)
	}

	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestLoad_VersionKeepsTrailingZero(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, validConfig))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Jobs.Include[1].LanguageVersion(); got != "3.10" {
		t.Errorf("version = %q, want 3.10", got)
	}
}

func TestLoad_StageIsSticky(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, validConfig))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"style", "style", "test", "test"}
	for i, j := range cfg.Jobs.Include {
		if j.Stage != want[i] {
			t.Errorf("job %d stage = %q, want %q", i, j.Stage, want[i])
		}
	}
}

func TestLoad_FirstJobWithoutStageIsTest(t *testing.T) {
	cfg, err := Parse([]byte(`
language: go
jobs:
  include:
    - go: "1.22"
      script: [go test ./...]
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Jobs.Include[0].Stage != DefaultStage {
		t.Errorf("stage = %q, want %q", cfg.Jobs.Include[0].Stage, DefaultStage)
	}
	if len(cfg.Stages) != 1 || cfg.Stages[0].Name != DefaultStage {
		t.Errorf("Stages = %+v, want derived [test]", cfg.Stages)
	}
	if got := cfg.Jobs.Include[0].LanguageVersion(); got != "1.22" {
		t.Errorf("version = %q, want 1.22", got)
	}
}

func TestLoad_DerivedStagesFollowFirstSeenOrder(t *testing.T) {
	cfg, err := Parse([]byte(`
jobs:
  include:
    - stage: lint
      script: [make lint]
    - stage: test
      script: [make test]
    - stage: lint
      script: [make vet]
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Stages) != 2 || cfg.Stages[0].Name != "lint" || cfg.Stages[1].Name != "test" {
		t.Errorf("Stages = %+v, want [lint test]", cfg.Stages)
	}
}

func TestLoad_InheritsPhasesUnlessExplicitlyEmpty(t *testing.T) {
	cfg, err := Parse([]byte(`
stages: [test]
install: [pip install -e .]
script: [pytest]
after_success: [coveralls]
jobs:
  include:
    - python: "3.6"
    - python: "3.7"
      install: []
      after_success: []
`))
	if err != nil {
		t.Fatal(err)
	}
	a, b := cfg.Jobs.Include[0], cfg.Jobs.Include[1]
	if len(a.Install) != 1 || len(a.Script) != 1 || len(a.AfterSuccess) != 1 {
		t.Errorf("job 0 should inherit all phases, got %+v", a)
	}
	if len(b.Install) != 0 {
		t.Errorf("job 1 install = %v, want explicit empty", b.Install)
	}
	if len(b.AfterSuccess) != 0 {
		t.Errorf("job 1 after_success = %v, want explicit empty", b.AfterSuccess)
	}
	if len(b.Script) != 1 {
		t.Errorf("job 1 script = %v, want inherited", b.Script)
	}
}

func TestLoad_ExplicitVersionField(t *testing.T) {
	cfg, err := Parse([]byte(`
stages: [test]
jobs:
  include:
    - language: node
      version: "20"
      script: [npm test]
`))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Jobs.Include[0].LanguageVersion(); got != "20" {
		t.Errorf("version = %q, want 20", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("error = %v, want reading config file", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("stages: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "parsing config YAML") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_StageMustBeStringOrMapping(t *testing.T) {
	_, err := Parse([]byte("stages:\n  - [a, b]\n"))
	if err == nil {
		t.Fatal("expected error for sequence stage entry")
	}
}

func TestLoadDefault(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := LoadDefault(dir); err == nil {
		t.Fatal("expected error when no pipeline file exists")
	}

	path := filepath.Join(dir, ".travis.yml")
	if err := os.WriteFile(path, []byte(validConfig), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, found, err := LoadDefault(dir)
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if found != path {
		t.Errorf("found = %q, want %q", found, path)
	}
	if cfg.Name != "moler" {
		t.Errorf("Name = %q", cfg.Name)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "no stages",
			yaml:  "name: x\n",
			field: "stages",
		},
		{
			name:  "duplicate stage",
			yaml:  "stages: [a, a]\n",
			field: "stages[1]",
		},
		{
			name:  "empty stage name",
			yaml:  "stages: [\"\"]\n",
			field: "stages[0]",
		},
		{
			name:  "undeclared stage",
			yaml:  "stages: [a]\njobs:\n  include:\n    - stage: b\n      script: [true]\n",
			field: "jobs.include[0].stage",
		},
		{
			name:  "no script",
			yaml:  "stages: [a]\njobs:\n  include:\n    - stage: a\n",
			field: "jobs.include[0].script",
		},
		{
			name:  "bad job env",
			yaml:  "stages: [a]\njobs:\n  include:\n    - stage: a\n      env: [NOEQUALS]\n      script: [true]\n",
			field: "jobs.include[0].env[0]",
		},
		{
			name:  "bad pipeline env key",
			yaml:  "stages: [a]\nenv: [\"1BAD=x\"]\n",
			field: "env[0]",
		},
		{
			name:  "empty step",
			yaml:  "stages: [a]\njobs:\n  include:\n    - stage: a\n      install: [\"  \"]\n      script: [true]\n",
			field: "jobs.include[0].install[0]",
		},
		{
			name:  "negative parallelism",
			yaml:  "stages: [a]\nparallelism: -1\n",
			field: "parallelism",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			errs := Validate(cfg)
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %q, got %v", tt.field, errs)
			}
		})
	}
}

func TestValidate_StageWithoutJobsIsValid(t *testing.T) {
	cfg, err := Parse([]byte("stages: [deploy]\n"))
	if err != nil {
		t.Fatal(err)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v, want none", errs)
	}
}

func TestParseEnv(t *testing.T) {
	k, v, err := ParseEnv("URL=http://x/?a=b")
	if err != nil {
		t.Fatal(err)
	}
	if k != "URL" || v != "http://x/?a=b" {
		t.Errorf("got %q=%q", k, v)
	}

	k, v, err = ParseEnv("EMPTY=")
	if err != nil || k != "EMPTY" || v != "" {
		t.Errorf("EMPTY= -> %q %q %v", k, v, err)
	}

	if _, _, err := ParseEnv("=x"); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestLoadSettings_DefaultsAndOverrides(t *testing.T) {
	ctx := context.Background()

	s, err := loadSettings(ctx, envconfig.MapLookuper(map[string]string{
		"MATRIXCI_HOME_DIR": "/tmp/mci",
	}))
	if err != nil {
		t.Fatalf("loadSettings() error: %v", err)
	}
	if s.Shell != "sh" {
		t.Errorf("Shell = %q, want sh", s.Shell)
	}
	if s.ListenAddr != "127.0.0.1:8765" {
		t.Errorf("ListenAddr = %q", s.ListenAddr)
	}
	if s.DBPath != filepath.Join("/tmp/mci", "matrixci.db") {
		t.Errorf("DBPath = %q", s.DBPath)
	}
	if s.RunsDir() != filepath.Join("/tmp/mci", "runs") {
		t.Errorf("RunsDir = %q", s.RunsDir())
	}

	s, err = loadSettings(ctx, envconfig.MapLookuper(map[string]string{
		"MATRIXCI_HOME_DIR":    "/tmp/mci",
		"MATRIXCI_DB_PATH":     "/data/history.db",
		"MATRIXCI_SHELL":       "bash",
		"MATRIXCI_WEBHOOK_URL": "https://status.example.com/hook",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if s.DBPath != "/data/history.db" || s.Shell != "bash" || s.WebhookURL != "https://status.example.com/hook" {
		t.Errorf("overrides not applied: %+v", s)
	}
}
