package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/papersync/papersync/pkg/engine"
)

func newDiffCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show what an update would create",
		Long: `Compare the selected definition with the remote taxonomy.

This command reads all tags, document types, storage paths and custom fields
of the instance and lists every declared resource that is missing. Nothing is
written.`,
		Example: `  # Show missing resources of the German household definition
  papersync diff --country de --domain household

  # Machine-readable diff
  papersync diff --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ctx, err := openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()

			loaded, err := s.selectDefinition()
			if err != nil {
				return err
			}
			gw, err := s.gateway()
			if err != nil {
				return err
			}

			log.Debug().
				Str("definition", loaded.Definition.String()).
				Str("source", loaded.Source).
				Msg("Computing diff")

			diff, err := engine.NewOrchestrator(gw).DetectChanges(ctx, loaded.Definition)
			if err != nil {
				return err
			}
			return renderDiff(cmd.OutOrStdout(), loaded, diff)
		},
	}

	return cmd
}
