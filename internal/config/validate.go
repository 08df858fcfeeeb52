package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseEnv splits a KEY=value entry. The value may be empty or contain '='.
func ParseEnv(entry string) (key, value string, err error) {
	key, value, ok := strings.Cut(entry, "=")
	if !ok {
		return "", "", fmt.Errorf("env entry %q is not KEY=value", entry)
	}
	if !envKeyRe.MatchString(key) {
		return "", "", fmt.Errorf("env entry %q has invalid key %q", entry, key)
	}
	return key, value, nil
}

// Validate checks a PipelineConfig for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *PipelineConfig) []ValidationError {
	var errs []ValidationError

	if len(cfg.Stages) == 0 {
		errs = append(errs, ValidationError{Field: "stages", Message: "at least one stage is required"})
	}
	if cfg.Parallelism < 0 {
		errs = append(errs, ValidationError{Field: "parallelism", Message: "must be >= 0"})
	}

	stageNames := make(map[string]bool)
	for i, s := range cfg.Stages {
		field := fmt.Sprintf("stages[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			errs = append(errs, ValidationError{Field: field, Message: "stage name is required"})
			continue
		}
		if stageNames[s.Name] {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("duplicate stage %q", s.Name)})
		}
		stageNames[s.Name] = true
	}

	validateEnv("env", cfg.Env, &errs)

	for i, j := range cfg.Jobs.Include {
		prefix := fmt.Sprintf("jobs.include[%d]", i)

		if !stageNames[j.Stage] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".stage",
				Message: fmt.Sprintf("references undeclared stage %q", j.Stage),
			})
		}
		if len(j.Script) == 0 {
			errs = append(errs, ValidationError{Field: prefix + ".script", Message: "at least one script step is required"})
		}
		validateEnv(prefix+".env", j.Env, &errs)

		for _, list := range []struct {
			name  string
			steps []string
		}{
			{"install", j.Install},
			{"before_script", j.BeforeScript},
			{"script", j.Script},
			{"after_success", j.AfterSuccess},
		} {
			for k, step := range list.steps {
				if strings.TrimSpace(step) == "" {
					errs = append(errs, ValidationError{
						Field:   fmt.Sprintf("%s.%s[%d]", prefix, list.name, k),
						Message: "step command is empty",
					})
				}
			}
		}
	}

	return errs
}

func validateEnv(field string, entries []string, errs *[]ValidationError) {
	for i, e := range entries {
		if _, _, err := ParseEnv(e); err != nil {
			*errs = append(*errs, ValidationError{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Message: err.Error(),
			})
		}
	}
}
