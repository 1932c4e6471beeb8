package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/papersync/papersync/pkg/engine"
	"github.com/papersync/papersync/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit    int
		status   string
		runID    string
		pruneAge time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded install and update runs",
		Long: `List the runs recorded in the local run history.

Every install and update is recorded with its definition version, status and
created counts. Runs whose rollback left resources behind have status
"partial"; use --run to list those resources.`,
		Example: `  # Last runs of all scopes
  papersync history

  # Failed runs of one scope
  papersync history --country de --domain household --status failed

  # Details of one run
  papersync history --run 6f1c...

  # Drop runs older than 90 days
  papersync history --prune 2160h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ctx, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			store, err := s.history(ctx)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("run history is disabled (history_db is empty)")
			}
			defer store.Close()

			out := cmd.OutOrStdout()

			if pruneAge > 0 {
				deleted, err := store.DeleteRunsBefore(ctx, time.Now().Add(-pruneAge))
				if err != nil {
					return err
				}
				log.Info().Int64("deleted", deleted).Dur("older_than", pruneAge).Msg("Pruned run history")
				if !jsonOutput {
					pterm.Success.WithWriter(out).Printfln("Deleted %d run(s)", deleted)
				}
				return nil
			}

			if runID != "" {
				run, err := store.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				orphans, err := store.ListOrphans(ctx, runID)
				if err != nil {
					return err
				}
				events, err := store.GetEvents(ctx, runID, 0)
				if err != nil {
					return err
				}
				return renderRunDetail(out, runDetail{Run: run, Orphans: orphans, Events: events})
			}

			filter := stores.RunFilter{
				Country: s.settings.Country,
				Domain:  s.settings.Domain,
				Limit:   limit,
			}
			if status != "" {
				filter.Status = engine.RunStatus(status)
				if err := filter.Status.Validate(); err != nil {
					return fmt.Errorf("invalid --status: %w", err)
				}
			}

			runs, err := store.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			return renderRuns(out, runs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	cmd.Flags().StringVar(&status, "status", "", "only list runs with this status")
	cmd.Flags().StringVar(&runID, "run", "", "show one run with its orphans and events")
	cmd.Flags().DurationVar(&pruneAge, "prune", 0, "delete finished runs older than this")

	return cmd
}
