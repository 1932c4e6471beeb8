package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/papersync/papersync/pkg/engine"
)

func newInstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install a taxonomy definition",
		Long: `Create every resource of the selected definition that the instance lacks.

Resources are created one at a time: tags, then document types, storage paths
and custom fields. If a creation fails, every resource this run created is
deleted again in reverse order. Resources that could not be deleted are
listed and recorded in the run history.`,
		Example: `  # First-time install
  papersync install --country de --domain household`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, operationInstall, engine.UpdateOptions{AutoApprove: true})
		},
	}

	return cmd
}

// autoApproveUsage describes --auto-approve. Creating missing resources never
// needs approval, so the flag has no effect until existing resources are diffed.
const autoApproveUsage = "reserved: approve changes to existing resources (additive creation is never gated)"

func newUpdateCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Bring the remote taxonomy up to date",
		Long: `Apply whatever the selected definition declares and the instance lacks.

When nothing is missing the command succeeds without a single write.
Failures are rolled back like install.`,
		Example: `  # Update after editing a definition
  papersync update --country de --domain household`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, operationUpdate, engine.UpdateOptions{AutoApprove: autoApprove})
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, autoApproveUsage)

	return cmd
}

func runApply(cmd *cobra.Command, operation string, opts engine.UpdateOptions) error {
	s, ctx, err := openSession(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer s.Close()

	loaded, err := s.selectDefinition()
	if err != nil {
		return err
	}

	r, closeRunner, err := s.newRunner(ctx)
	if err != nil {
		return err
	}
	defer closeRunner()
	r.out = cmd.OutOrStdout()

	log.Info().
		Str("operation", operation).
		Str("definition", loaded.Definition.String()).
		Str("source", loaded.Source).
		Bool("auto_approve", opts.AutoApprove).
		Msg("Applying definition")

	result, runErr := r.run(ctx, operation, loaded, opts)
	if err := renderResult(cmd.OutOrStdout(), operation, result, runErr); err != nil {
		return err
	}
	return runErr
}
