// Package cli implements the handoffctl command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/handoff/internal/config"
	"github.com/kubilitics/handoff/internal/logging"
	"github.com/kubilitics/handoff/internal/tracing"
)

type app struct {
	configPath string
	envFile    string
	baseURL    string
	logLevel   string

	cfg            *config.Config
	logger         *zap.Logger
	shutdownTracer func(context.Context) error

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdin, os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newRootCommand(in, out, errOut)
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{stdin: in, stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "handoffctl",
		Short:         "Conversation hand-off client",
		Long:          "handoffctl talks to a support backend as an operator console or as an end user, following AI/human hand-offs in real time.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.load(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.shutdownTracer != nil {
				if err := a.shutdownTracer(context.Background()); err != nil && a.logger != nil {
					a.logger.Warn("tracer shutdown failed", zap.Error(err))
				}
			}
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().StringVar(&a.baseURL, "base-url", "", "override api.base_url")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(
		newConsoleCmd(a),
		newChatCmd(a),
		newConversationsCmd(a),
		newStatsCmd(a),
		newTranscriptCmd(a),
		newVersionCmd(),
	)
	cmd.SetVersionTemplate(fmt.Sprintf("handoffctl {{.Version}} (commit %s, built %s)\n", Commit, BuildDate))
	return cmd
}

// load reads .env, the config file and the environment, then applies flag
// overrides and builds the logger.
func (a *app) load(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", a.envFile, err)
		}
	}

	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)
	if a.baseURL != "" {
		cfg.API.BaseURL = strings.TrimRight(a.baseURL, "/")
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger.Named("handoffctl")

	shutdown, err := tracing.Init(ctx, cfg.TracingConfig())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.shutdownTracer = shutdown
	return nil
}
