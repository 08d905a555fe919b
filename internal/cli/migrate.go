package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema to the configured store",
		Long: `Create the payload and stats tables if they do not exist.

Running it again is harmless.

Examples:
  playerctl migrate --config ./playerdata.yaml
  STORE_DRIVER=sqlite SQLITE_PATH=./dev.db playerctl migrate`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := rootOpts.openStore(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open store", err)
			}
			defer st.Close()

			if err := st.Migrate(ctx); err != nil {
				return WrapExitError(ExitCommandError, "failed to apply schema", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", rootOpts.cfg.Store.Driver)
			return nil
		},
	}
}
