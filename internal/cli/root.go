// Package cli implements the playerctl operator commands
package cli

import (
	"context"
	"errors"
	"fmt"

	"playerdata/pkg/config"
	"playerdata/pkg/logger"
	"playerdata/pkg/store"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the entity or data asked for does not exist
	ExitCommandError = 2 // config, connectivity or usage problems
)

// ExitError carries the process exit code for a failed command
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"

	cfg    *config.AppConfig
	logger *logger.Logger
}

// ValidFormats defines the allowed output formats
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for playerctl
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "playerctl",
		Short: "Operator tooling for the playerdata store",
		Long:  "Provision the playerdata schema, inspect stored entities and generate synthetic host events.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			l, err := logger.New(logger.Config{
				Level:       cfg.LogLevel,
				Environment: cfg.Environment,
				ServiceName: "playerctl",
				Debug:       cfg.Debug,
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to initialize logger", err)
			}
			opts.cfg = cfg
			opts.logger = l
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))

	return cmd
}

func (o *RootOptions) openStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, store.Options{
		Driver: o.cfg.Store.Driver,
		Postgres: store.PostgresConfig{
			URI:             o.cfg.Postgres.URI,
			MinConns:        1,
			MaxConns:        2,
			MaxConnLifetime: o.cfg.Postgres.MaxConnLifetime,
		},
		SQLitePath: o.cfg.SQLite.Path,
	}, o.logger)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
