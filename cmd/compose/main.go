// Command compose renders the final meeting record from a session script.
// It is the same code path the server runs after a recording stops, exposed
// as a CLI so failed or interrupted compositions can be rerun by hand.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/logging"
	"github.com/spf13/cobra"

	"github.com/waveroom/meet"
	"github.com/waveroom/meet/pkg/composer"
)

var (
	configPath string
	scriptPath string
	upload     bool
)

var rootCmd = &cobra.Command{
	Use:          "compose",
	Short:        "Compose a meeting record from its session script",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	rootCmd.Flags().StringVarP(&scriptPath, "script", "s", "", "path to the session script.json")
	rootCmd.Flags().BoolVar(&upload, "upload", false, "upload the composed file to S3 after encoding")

	_ = rootCmd.MarkFlagRequired("script")
}

func run(ctx context.Context) error {
	cfg := meet.DefaultConfig()

	if configPath != "" {
		loaded, err := meet.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	loggerFactory := logging.NewDefaultLoggerFactory()

	composerCfg := cfg.Compose.ComposerConfig()

	if upload {
		if cfg.Compose.S3 == nil {
			return fmt.Errorf("--upload requires a [compose.s3] config section")
		}

		uploader, err := composer.NewUploader(*cfg.Compose.S3, loggerFactory)
		if err != nil {
			return err
		}
		composerCfg.Uploader = uploader
	}

	return composer.New(composerCfg, loggerFactory).Compose(ctx, scriptPath)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
