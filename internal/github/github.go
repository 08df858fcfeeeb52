// Package github publishes commit statuses through the gh CLI and reads the
// checked-out revision through git.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// CmdRunner provides gh command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// GitRunner provides git command execution. Interface for testing.
type GitRunner interface {
	RunGit(dir string, args ...string) (string, error)
}

// ExecRunner runs gh and git via exec. Dir is where gh resolves the
// {owner}/{repo} placeholders.
type ExecRunner struct {
	Dir string
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// RunGit implements GitRunner using exec.Command.
func (r *ExecRunner) RunGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client provides GitHub operations.
type Client struct {
	cmd CmdRunner
	git GitRunner
}

// NewClient creates a GitHub client. If cmd also implements GitRunner,
// it will be used for git operations.
func NewClient(cmd CmdRunner) *Client {
	c := &Client{cmd: cmd}
	if git, ok := cmd.(GitRunner); ok {
		c.git = git
	}
	return c
}

// NewClientWithGit creates a GitHub client with a separate git runner.
func NewClientWithGit(cmd CmdRunner, git GitRunner) *Client {
	return &Client{cmd: cmd, git: git}
}

var shaPattern = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

// ValidateSHA checks that sha looks like a git object id.
func ValidateSHA(sha string) error {
	if !shaPattern.MatchString(sha) {
		return fmt.Errorf("invalid commit sha %q", sha)
	}
	return nil
}

// Commit status states accepted by the statuses API.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateFailure = "failure"
	StateError   = "error"
)

var validStates = map[string]bool{
	StatePending: true,
	StateSuccess: true,
	StateFailure: true,
	StateError:   true,
}

// maxDescription is the statuses API limit on description length.
const maxDescription = 140

// Status is one commit status.
type Status struct {
	State       string
	Context     string
	Description string
	TargetURL   string
}

// StatusResult is the created status as returned by the API.
type StatusResult struct {
	ID      int64  `json:"id"`
	State   string `json:"state"`
	Context string `json:"context"`
	URL     string `json:"url"`
}

// SetStatus creates a commit status on sha in the current repository.
func (c *Client) SetStatus(ctx context.Context, sha string, s Status) (*StatusResult, error) {
	if err := ValidateSHA(sha); err != nil {
		return nil, err
	}
	if !validStates[s.State] {
		return nil, fmt.Errorf("invalid status state %q: must be pending, success, failure, or error", s.State)
	}
	if s.Context == "" {
		return nil, fmt.Errorf("status context is required")
	}

	desc := s.Description
	if len(desc) > maxDescription {
		desc = desc[:maxDescription-3] + "..."
	}

	args := []string{
		"api", "--method", "POST",
		"repos/{owner}/{repo}/statuses/" + sha,
		"-f", "state=" + s.State,
		"-f", "context=" + s.Context,
	}
	if desc != "" {
		args = append(args, "-f", "description="+desc)
	}
	if s.TargetURL != "" {
		args = append(args, "-f", "target_url="+s.TargetURL)
	}

	out, err := c.cmd.Run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("set status %s on %s: %w", s.Context, sha, err)
	}

	var res StatusResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		return nil, fmt.Errorf("parse status JSON: %w", err)
	}
	return &res, nil
}

// HeadCommit returns the full sha of HEAD in dir.
func (c *Client) HeadCommit(dir string) (string, error) {
	if c.git == nil {
		return "", fmt.Errorf("git runner not configured")
	}
	out, err := c.git.RunGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("head commit: %w", err)
	}
	return out, nil
}

// CurrentBranch returns the checked-out branch in dir, or "" when HEAD is
// detached.
func (c *Client) CurrentBranch(dir string) (string, error) {
	if c.git == nil {
		return "", fmt.Errorf("git runner not configured")
	}
	out, err := c.git.RunGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	if out == "HEAD" {
		return "", nil
	}
	return out, nil
}
