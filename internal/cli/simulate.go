package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/me/matsched/internal/cursor"
	"github.com/me/matsched/internal/engine"
	"github.com/me/matsched/internal/evaluation"
	"github.com/me/matsched/internal/simulate"
)

func newSimulateCmd() *cobra.Command {
	var (
		cursorPath          string
		respectDataVersions bool
	)

	cmd := &cobra.Command{
		Use:   "simulate <fixture.yaml>",
		Short: "Dry-run one evaluation tick against a YAML fixture",
		Long: "Simulate loads a graph, history, and rule policies from a YAML fixture, " +
			"evaluates one tick, and prints the decisions. With --cursor the tick state " +
			"is loaded from and saved to a SQLite cursor database, so repeated invocations " +
			"behave like consecutive daemon ticks.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			world, err := simulate.LoadFile(args[0])
			if err != nil {
				return err
			}

			var previous *evaluation.TickState
			var store *cursor.SQLiteStore
			if cursorPath != "" {
				store, err = cursor.NewSQLiteStore(cursorPath, logger)
				if err != nil {
					return err
				}
				defer store.Close()
				previous, err = store.Load(cmd.Context())
				if err != nil {
					return err
				}
			}

			opts := engine.Options{RespectDataVersions: respectDataVersions}
			result, err := simulate.Run(cmd.Context(), world, previous, opts, logger)
			if err != nil {
				return err
			}

			simulate.Render(os.Stdout, world, result)

			if store != nil {
				if err := store.Save(cmd.Context(), result.State); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cursorPath, "cursor", "", "SQLite cursor database path (empty for a cold-start tick)")
	cmd.Flags().BoolVar(&respectDataVersions, "respect-data-versions", true, "Use data versions when comparing parent materializations")

	return cmd
}
