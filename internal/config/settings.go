package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sethvargo/go-envconfig"
)

// Settings are runtime knobs read from MATRIXCI_* environment variables.
// CLI flags override them.
type Settings struct {
	HomeDir      string `env:"HOME_DIR"`
	DBPath       string `env:"DB_PATH"`
	PipelineFile string `env:"PIPELINE_FILE"`
	Shell        string `env:"SHELL, default=sh"`
	ListenAddr   string `env:"LISTEN_ADDR, default=127.0.0.1:8765"`
	WebhookURL   string `env:"WEBHOOK_URL"`
	NotifyCmd    string `env:"NOTIFY_CMD"`
	LogLevel     string `env:"LOG_LEVEL, default=info"`
}

// LoadSettings processes the environment with the MATRIXCI_ prefix and
// resolves the home and database paths.
func LoadSettings(ctx context.Context) (*Settings, error) {
	return loadSettings(ctx, envconfig.OsLookuper())
}

func loadSettings(ctx context.Context, l envconfig.Lookuper) (*Settings, error) {
	var s Settings
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &s,
		Lookuper: envconfig.PrefixLookuper("MATRIXCI_", l),
	})
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if s.HomeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		s.HomeDir = filepath.Join(home, ".matrixci")
	}
	if s.DBPath == "" {
		s.DBPath = filepath.Join(s.HomeDir, "matrixci.db")
	}
	return &s, nil
}

// RunsDir is where per-run artifacts are written.
func (s *Settings) RunsDir() string {
	return filepath.Join(s.HomeDir, "runs")
}
