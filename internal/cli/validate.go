package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/matrixci/internal/config"
	"github.com/lucasnoah/matrixci/internal/pipeline"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a pipeline file without running it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		workDir, _ := cmd.Flags().GetString("workdir")
		workDir, err := filepath.Abs(workDir)
		if err != nil {
			return fmt.Errorf("workdir: %w", err)
		}

		cfg, path, err := loadConfig(file, workDir)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if errs := config.Validate(cfg); len(errs) > 0 {
			fmt.Fprintf(w, "%s: %d problem(s)\n", path, len(errs))
			for _, e := range errs {
				fmt.Fprintf(w, "  - %s\n", e.Error())
			}
			return fmt.Errorf("%s is invalid", path)
		}

		p, err := pipeline.Build(cfg)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		fmt.Fprintf(w, "%s: ok (pipeline %s, digest %s)\n", path, p.Name(), shortDigest(p.Digest()))
		if id, _ := cmd.Flags().GetString("job"); id != "" {
			j, ok := p.Job(id)
			if !ok {
				return fmt.Errorf("no job %q in pipeline %s", id, p.Name())
			}
			printJob(w, j)
			return nil
		}
		for _, s := range p.Stages() {
			fmt.Fprintf(w, "  stage %d %s\n", s.Rank(), s.Name())
			for _, j := range s.Jobs() {
				fmt.Fprintf(w, "    %-12s %s\n", j.ID(), j.Name())
			}
		}
		return nil
	},
}

// printJob writes the resolved steps and environment of one job.
func printJob(w io.Writer, j *pipeline.Job) {
	fmt.Fprintf(w, "job %s (%s), stage %s position %d\n", j.ID(), j.Name(), j.Stage(), j.Index())
	for _, phase := range []pipeline.Phase{pipeline.PhaseInstall, pipeline.PhaseBeforeScript, pipeline.PhaseScript, pipeline.PhaseAfterSuccess} {
		for _, st := range j.Steps(phase) {
			fmt.Fprintf(w, "  %s[%d]: %s\n", st.Phase, st.Index, st.Command)
		}
	}
	for _, v := range j.Env() {
		fmt.Fprintf(w, "  env %s=%s\n", v.Key, v.Value)
	}
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func init() {
	validateCmd.Flags().StringP("file", "f", "", "Pipeline file (default: $MATRIXCI_PIPELINE_FILE or .matrixci.yml in --workdir)")
	validateCmd.Flags().String("workdir", ".", "Directory to look for the pipeline file in")
	validateCmd.Flags().String("job", "", "Show the resolved steps and env of one job (e.g. test.2)")
}
