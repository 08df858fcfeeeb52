package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/lucasnoah/matrixci/internal/config"
	"github.com/lucasnoah/matrixci/internal/db"
	"github.com/lucasnoah/matrixci/internal/github"
	"github.com/lucasnoah/matrixci/internal/job"
	"github.com/lucasnoah/matrixci/internal/log"
	"github.com/lucasnoah/matrixci/internal/orchestrator"
	"github.com/lucasnoah/matrixci/internal/pipeline"
	"github.com/lucasnoah/matrixci/internal/report"
	"github.com/lucasnoah/matrixci/internal/shell"
	"github.com/lucasnoah/matrixci/internal/stage"
)

// loadConfig reads the pipeline file. With no explicit path the settings'
// file is used, then the default names in workDir.
func loadConfig(path, workDir string) (*config.PipelineConfig, string, error) {
	if path == "" {
		path = settings.PipelineFile
	}
	if path == "" {
		return config.LoadDefault(workDir)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}

// loadPipeline reads and builds the pipeline file.
func loadPipeline(path, workDir string) (*pipeline.Pipeline, string, error) {
	cfg, path, err := loadConfig(path, workDir)
	if err != nil {
		return nil, path, err
	}
	p, err := pipeline.Build(cfg)
	if err != nil {
		return nil, path, fmt.Errorf("%s: %w", path, err)
	}
	return p, path, nil
}

// driverOpts are the flags shared by run and serve.
type driverOpts struct {
	workDir     string
	parallelism int // < 0 uses the pipeline's value
	webhook     string
	notifyCmd   string
	status      bool // publish GitHub commit statuses
	progress    io.Writer
}

// newDriver wires the job runner, stage coordinator, reporters and stores
// for p. The returned cleanup closes the history database.
func newDriver(ctx context.Context, p *pipeline.Pipeline, opts driverOpts) (*orchestrator.Driver, *pipeline.Store, *db.DB, func()) {
	l := log.FromContext(ctx)
	sh := &shell.ExecRunner{Shell: settings.Shell}

	runner := job.NewRunner(sh, opts.workDir)
	runner.SetProgress(opts.progress)

	parallelism := p.Parallelism()
	if opts.parallelism >= 0 {
		parallelism = opts.parallelism
	}
	coord := stage.NewCoordinator(runner, parallelism, p.FailFast())
	coord.SetProgress(opts.progress)

	reporters := report.Multi{&report.LogReporter{}}
	if url := firstNonEmpty(opts.webhook, settings.WebhookURL); url != "" {
		reporters = append(reporters, report.NewWebhookReporter(url))
	}
	if command := firstNonEmpty(opts.notifyCmd, settings.NotifyCmd); command != "" {
		c := report.NewCommandReporter(sh, command)
		c.Dir = opts.workDir
		c.Output = opts.progress
		reporters = append(reporters, c)
	}
	if opts.status {
		client := github.NewClient(&github.ExecRunner{Dir: opts.workDir})
		reporters = append(reporters, github.NewStatusReporter(client))
	}

	store := pipeline.NewStore(settings.RunsDir())

	cleanup := func() {}
	database, err := openDB()
	if err != nil {
		// History is best effort; the run record and logs still land in the store.
		l.Warn("history database unavailable", "path", settings.DBPath, "error", err)
	} else {
		cleanup = func() { database.Close() }
	}

	d := orchestrator.NewDriver(store, database, coord, reporters)
	d.SetProgress(opts.progress)
	return d, store, database, cleanup
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// detectRevision fills commit and branch from the git checkout in dir when
// they were not given. Outside a repository both stay empty.
func detectRevision(dir string, trigger *pipeline.Trigger) {
	client := github.NewClient(&github.ExecRunner{Dir: dir})
	if trigger.Commit == "" {
		if sha, err := client.HeadCommit(dir); err == nil {
			trigger.Commit = sha
		}
	}
	if trigger.Branch == "" {
		if branch, err := client.CurrentBranch(dir); err == nil {
			trigger.Branch = branch
		}
	}
}
