package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/terra-clan/research-engine/internal/storage"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply the pending SQL migrations to the configured database.

Migrations come from MIGRATIONS_DIR, or the schema built into the binary
when it is unset. SQLite databases apply their schema on open.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			source := storage.MigrationSource(cfg.Database.MigrationsDir)

			if cfg.Database.Driver == "sqlite" {
				repo, err := storage.NewSQLiteRepository(cfg.Database.DSN)
				if err != nil {
					return err
				}
				defer repo.Close()
				return printResult(rootOpts, out, map[string]any{"pending": []string{}}, func(w io.Writer) {
					fmt.Fprintln(w, "sqlite schema is up to date")
				})
			}

			pending, err := storage.MigrationStatusFromDSN(cmd.Context(), cfg.Database.DSN, source)
			if err != nil {
				return err
			}

			if !status && len(pending) > 0 {
				if err := storage.MigrateFromDSN(cmd.Context(), cfg.Database.DSN, source); err != nil {
					return err
				}
			}

			report := map[string]any{"pending": pending, "applied": !status}
			return printResult(rootOpts, out, report, func(w io.Writer) {
				switch {
				case len(pending) == 0:
					fmt.Fprintln(w, "schema is up to date")
				case status:
					fmt.Fprintf(w, "%d pending migration(s):\n", len(pending))
					for _, name := range pending {
						fmt.Fprintf(w, "  %s\n", name)
					}
				default:
					fmt.Fprintf(w, "applied %d migration(s)\n", len(pending))
				}
			})
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "list pending migrations without applying them")

	return cmd
}
