package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/matrixci/internal/log"
	"github.com/lucasnoah/matrixci/internal/pipeline"
	"github.com/lucasnoah/matrixci/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start a JSON API over the recorded runs: run list and detail, job logs
(plain and streamed), pipeline events and job statistics.

With --trigger, POST /runs starts a run of the pipeline file in --workdir in
the background. The file is re-read for every trigger; concurrency settings
are taken from the file as it was at startup.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = settings.ListenAddr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		l := log.FromContext(ctx)

		store := pipeline.NewStore(settings.RunsDir())
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		srv := web.NewServer(store, database, addr)
		srv.SetLogger(log.SubLogger(l, "web"))

		if trigger, _ := cmd.Flags().GetBool("trigger"); trigger {
			file, _ := cmd.Flags().GetString("file")
			workDir, _ := cmd.Flags().GetString("workdir")
			workDir, err := filepath.Abs(workDir)
			if err != nil {
				return fmt.Errorf("workdir: %w", err)
			}
			p, path, err := loadPipeline(file, workDir)
			if err != nil {
				return err
			}
			d, _, _, cleanup := newDriver(ctx, p, driverOpts{workDir: workDir, parallelism: -1})
			defer cleanup()

			srv.EnableTrigger(d, func() (*pipeline.Pipeline, error) {
				p, _, err := loadPipeline(path, workDir)
				return p, err
			})
			l.Info("triggering enabled", "file", path, "workdir", workDir)
		}

		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default: $MATRIXCI_LISTEN_ADDR or 127.0.0.1:8765)")
	serveCmd.Flags().Bool("trigger", false, "Allow POST /runs to start runs")
	serveCmd.Flags().StringP("file", "f", "", "Pipeline file used by triggered runs")
	serveCmd.Flags().String("workdir", ".", "Directory triggered runs execute in")
}
