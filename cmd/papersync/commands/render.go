package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/papersync/papersync/pkg/config"
	"github.com/papersync/papersync/pkg/engine"
	"github.com/papersync/papersync/pkg/stores"
	"github.com/papersync/papersync/pkg/taxonomy"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderDiff(w io.Writer, loaded *config.LoadedDefinition, diff *taxonomy.Diff) error {
	if jsonOutput {
		return writeJSON(w, diff)
	}

	pterm.DefaultSection.WithWriter(w).Printfln("%s (%s)", loaded.Definition, loaded.Source)
	if !diff.HasChanges {
		pterm.Success.WithWriter(w).Println("Remote taxonomy is up to date")
		return nil
	}

	data := pterm.TableData{{"Kind", "Natural key", "Name"}}
	for _, res := range diff.Resources() {
		data = append(data, []string{res.Kind().Label(), res.NaturalKey(), res.Name()})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render(); err != nil {
		return err
	}
	pterm.Info.WithWriter(w).Printfln("%d missing: %s", diff.Len(), diff.Counts())
	return nil
}

// renderResult prints the outcome of an install or update. Rollback
// failures are printed exactly as the installer reported them.
func renderResult(w io.Writer, operation string, result *taxonomy.UpdateResult, runErr error) error {
	if result == nil {
		return nil
	}
	if jsonOutput {
		return writeJSON(w, result)
	}

	switch {
	case result.Success && !result.HasChanges:
		pterm.Success.WithWriter(w).Printfln("%s: nothing to do (run %s)", operation, result.RunID)
		return nil
	case result.Success:
		pterm.Success.WithWriter(w).Printfln("%s: created %d resource(s), %s (run %s)",
			operation, result.Applied.Total(), result.Applied, result.RunID)
		return nil
	}

	msg := result.Error
	if runErr != nil {
		msg = runErr.Error()
	}
	pterm.Error.WithWriter(w).Printfln("%s failed (run %s)", operation, result.RunID)
	fmt.Fprintln(w, msg)

	if engine.IsPolicyViolation(runErr) {
		pterm.Info.WithWriter(w).Println("No resources were created.")
	}
	if result.RolledBack > 0 {
		pterm.Info.WithWriter(w).Printfln("Rolled back %d resource(s).", result.RolledBack)
	}
	if len(result.Orphans) == 0 {
		return nil
	}

	pterm.Warning.WithWriter(w).Println("These resources could not be rolled back and need manual cleanup:")
	data := pterm.TableData{{"Kind", "ID", "Natural key"}}
	for _, o := range result.Orphans {
		data = append(data, []string{o.Kind.Label(), strconv.FormatInt(o.ID, 10), o.NaturalKey})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}

func renderRuns(w io.Writer, runs []*stores.Run) error {
	if jsonOutput {
		return writeJSON(w, runs)
	}
	if len(runs) == 0 {
		pterm.Info.WithWriter(w).Println("No runs recorded.")
		return nil
	}

	data := pterm.TableData{{"Run", "Started", "Operation", "Scope", "Version", "Status", "Created", "Rolled back"}}
	for _, run := range runs {
		data = append(data, []string{
			run.ID,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.Operation,
			run.Scope(),
			run.Version,
			statusStyle(run.Status).Sprint(run.Status),
			strconv.Itoa(run.Applied.Total()),
			strconv.Itoa(run.RolledBack),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}

// runDetail is the --json shape of history --run.
type runDetail struct {
	Run     *stores.Run      `json:"run"`
	Orphans []*stores.Orphan `json:"orphans"`
	Events  []*stores.Event  `json:"events"`
}

func renderRunDetail(w io.Writer, d runDetail) error {
	if jsonOutput {
		return writeJSON(w, d)
	}

	run := d.Run
	pterm.DefaultSection.WithWriter(w).Printfln("Run %s", run.ID)
	fmt.Fprintf(w, "Operation: %s\nScope:     %s\nVersion:   %s\nSource:    %s\nStatus:    %s\nCreated:   %s\n",
		run.Operation, run.Scope(), run.Version, run.Source, statusStyle(run.Status).Sprint(run.Status), run.Applied)
	if run.CompletedAt != nil {
		fmt.Fprintf(w, "Duration:  %s\n", run.Duration())
	}
	if run.Error != nil {
		fmt.Fprintf(w, "Error:     %s\n", *run.Error)
	}

	if len(d.Orphans) > 0 {
		pterm.Warning.WithWriter(w).Printfln("%d orphaned resource(s):", len(d.Orphans))
		data := pterm.TableData{{"Kind", "ID", "Natural key"}}
		for _, o := range d.Orphans {
			data = append(data, []string{o.Kind.Label(), strconv.FormatInt(o.RemoteID, 10), o.NaturalKey})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render(); err != nil {
			return err
		}
	}

	if len(d.Events) == 0 {
		return nil
	}
	data := pterm.TableData{{"Time", "Level", "Type", "Message"}}
	for _, ev := range d.Events {
		data = append(data, []string{ev.Timestamp.Local().Format("15:04:05.000"), ev.Level, ev.Type, ev.Message})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}

func statusStyle(status engine.RunStatus) *pterm.Style {
	switch status {
	case engine.RunStatusSucceeded, engine.RunStatusNoChanges:
		return pterm.NewStyle(pterm.FgGreen)
	case engine.RunStatusRolledBack:
		return pterm.NewStyle(pterm.FgYellow)
	case engine.RunStatusRunning:
		return pterm.NewStyle(pterm.FgGray)
	default:
		return pterm.NewStyle(pterm.FgRed)
	}
}
