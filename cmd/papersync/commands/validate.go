package commands

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/papersync/papersync/pkg/config"
	"github.com/papersync/papersync/pkg/engine"
	"github.com/papersync/papersync/pkg/policy"
	"github.com/papersync/papersync/pkg/taxonomy"
)

// validation is the outcome of checking one catalog entry.
type validation struct {
	Scope     string                 `json:"scope"`
	Version   string                 `json:"version"`
	Source    string                 `json:"source"`
	Resources taxonomy.Counts        `json:"resources"`
	Policy    *engine.PolicyDecision `json:"policy,omitempty"`
}

// policyInfo is the listing of one active policy engine policy.
type policyInfo struct {
	Name        string          `json:"name"`
	Severity    policy.Severity `json:"severity"`
	Enabled     bool            `json:"enabled"`
	Builtin     bool            `json:"builtin"`
	Source      string          `json:"source,omitempty"`
	Description string          `json:"description,omitempty"`
}

// validationReport is the --json shape of validate.
type validationReport struct {
	Definitions []validation `json:"definitions"`
	Policies    []policyInfo `json:"policies"`
}

func listPolicies(pe *policy.Engine) []policyInfo {
	if pe == nil {
		return nil
	}
	policies := pe.ListPolicies()
	out := make([]policyInfo, 0, len(policies))
	for _, p := range policies {
		source, _ := p.Metadata["source"].(string)
		out = append(out, policyInfo{
			Name:        p.Name,
			Severity:    p.Severity,
			Enabled:     p.Enabled,
			Builtin:     p.Builtin,
			Source:      source,
			Description: p.Description,
		})
	}
	return out
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [definitions]",
		Short: "Validate taxonomy definitions offline",
		Long: `Load every definition file and check it without contacting Paperless.

This command:
  - Parses YAML and CUE definitions against the taxonomy schema
  - Rejects duplicate natural keys, bad colors and unsafe storage paths
  - Rejects two files declaring the same country and domain
  - Evaluates the policies as if every declared resource were missing
  - Lists the policies that took part and whether they are enabled`,
		Example: `  # Validate the configured definitions directory
  papersync validate

  # Validate another directory
  papersync validate ./definitions`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				definitionsFlag = args[0]
			}

			s, ctx, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			catalog, err := config.LoadCatalog(s.settings.Definitions)
			if err != nil {
				return err
			}
			pe, err := s.policyEngine(ctx)
			if err != nil {
				return err
			}

			results := make([]validation, 0, catalog.Len())
			denied := 0
			for _, entry := range catalog.Entries() {
				def := entry.Definition
				v := validation{
					Scope:     def.Country() + "/" + def.Domain(),
					Version:   def.Version().String(),
					Source:    entry.Source,
					Resources: fullDiff(def).Counts(),
				}
				if pe != nil {
					decision, err := pe.EvaluateDiff(ctx, def, fullDiff(def))
					if err != nil {
						return fmt.Errorf("failed to evaluate policies for %s: %w", def, err)
					}
					v.Policy = decision
					if !decision.Allowed() {
						denied++
					}
				}
				results = append(results, v)
			}

			log.Debug().Int("definitions", len(results)).Msg("Validated definitions")

			report := validationReport{Definitions: results, Policies: listPolicies(pe)}
			if err := renderValidations(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if denied > 0 {
				return fmt.Errorf("%d definition(s) violate policies", denied)
			}
			return nil
		},
	}

	return cmd
}

// fullDiff treats every resource of def as missing.
func fullDiff(def *taxonomy.Definition) *taxonomy.Diff {
	buckets := make(map[taxonomy.Kind][]taxonomy.DesiredResource, 4)
	for _, kind := range taxonomy.Kinds() {
		buckets[kind] = def.OfKind(kind)
	}
	return taxonomy.NewDiff(buckets, time.Now())
}

func renderValidations(w io.Writer, report validationReport) error {
	if jsonOutput {
		return writeJSON(w, report)
	}
	if err := renderPolicies(w, report.Policies); err != nil {
		return err
	}

	results := report.Definitions
	if len(results) == 0 {
		pterm.Warning.WithWriter(w).Println("No definitions found.")
		return nil
	}

	data := pterm.TableData{{"Scope", "Version", "Resources", "Policy", "Source"}}
	for _, v := range results {
		data = append(data, []string{v.Scope, v.Version, strconv.Itoa(v.Resources.Total()), policySummary(v.Policy), v.Source})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render(); err != nil {
		return err
	}

	for _, v := range results {
		if v.Policy == nil {
			continue
		}
		for _, f := range v.Policy.Denials {
			pterm.Error.WithWriter(w).Printfln("%s: %s", v.Scope, f)
		}
		for _, f := range v.Policy.Warnings {
			pterm.Warning.WithWriter(w).Printfln("%s: %s", v.Scope, f)
		}
	}
	return nil
}

func renderPolicies(w io.Writer, policies []policyInfo) error {
	if len(policies) == 0 {
		pterm.Info.WithWriter(w).Println("Policies are disabled.")
		return nil
	}
	data := pterm.TableData{{"Policy", "Severity", "State", "Source"}}
	for _, p := range policies {
		state := "enabled"
		if !p.Enabled {
			state = "disabled"
		}
		source := p.Source
		if p.Builtin {
			source = "built-in"
		}
		data = append(data, []string{p.Name, string(p.Severity), state, source})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}

func policySummary(d *engine.PolicyDecision) string {
	switch {
	case d == nil:
		return "skipped"
	case len(d.Denials) > 0:
		return fmt.Sprintf("%d denied", len(d.Denials))
	case len(d.Warnings) > 0:
		return fmt.Sprintf("ok, %d warning(s)", len(d.Warnings))
	default:
		return "ok"
	}
}
