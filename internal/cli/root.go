package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/iapsync/internal/config"
	"github.com/roach88/iapsync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	EnvFile    string
	LogLevel   string
	LogFormat  string

	// Set by the root command before any subcommand runs.
	Config config.Config
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the iapsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Config: config.Default(), Logger: logging.Discard()}

	cmd := &cobra.Command{
		Use:   "iapsync",
		Short: "iapsync - in-app purchase reconciliation",
		Long: `Reconcile in-app purchases between a billing backend and the receipts
an app has granted.

Simulates scenarios against an in-memory store, validates scenario files,
inspects the receipt journal and runs reconciliation passes against the
Google Play Developer API.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "configuration file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "dotenv file loaded before the environment is read")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), default from config or LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (text|json|pretty), default from config or LOG_FORMAT")

	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewReceiptsCommand(opts))
	cmd.AddCommand(NewPlayCommand(opts))

	return cmd
}

func (o *RootOptions) setup(cmd *cobra.Command) error {
	if !slices.Contains(ValidFormats, o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}

	if o.ConfigPath != "" {
		cfg, err := config.Load(o.ConfigPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		o.Config = cfg
	}
	if o.EnvFile != "" {
		if err := config.LoadEnvFile(o.EnvFile); err != nil {
			return WrapExitError(ExitCommandError, "failed to load env file", err)
		}
	}
	cfg, err := o.Config.ApplyEnv()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid environment", err)
	}
	o.Config = cfg

	level, format := o.LogLevel, o.LogFormat
	if level == "" {
		level = o.Config.Log.Level
	}
	if format == "" {
		format = o.Config.Log.Format
	}
	if o.Verbose {
		level = "debug"
	}
	// Logs always go to stderr so JSON output on stdout stays parseable.
	o.Logger = logging.New(level, format, cmd.ErrOrStderr())
	return nil
}

func (o *RootOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return logging.Discard()
	}
	return o.Logger
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
