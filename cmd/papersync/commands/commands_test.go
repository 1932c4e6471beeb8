package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papersync/papersync/pkg/config"
	"github.com/papersync/papersync/pkg/engine"
	"github.com/papersync/papersync/pkg/gateway/memory"
	"github.com/papersync/papersync/pkg/policy"
	"github.com/papersync/papersync/pkg/stores"
	"github.com/papersync/papersync/pkg/taxonomy"
	"github.com/papersync/papersync/pkg/telemetry"
)

func testDefinition(t *testing.T, version string) *config.LoadedDefinition {
	t.Helper()

	var resources []taxonomy.DesiredResource
	add := func(res taxonomy.DesiredResource, err error) {
		require.NoError(t, err)
		resources = append(resources, res)
	}
	add(taxonomy.NewTag("Financial", "#1f77b4"))
	add(taxonomy.NewTag("Insurance", ""))
	add(taxonomy.NewDocumentType("Invoice"))
	add(taxonomy.NewCustomField("Amount", taxonomy.FieldMonetary))

	def, err := taxonomy.NewDefinition("de", "household", version, resources...)
	require.NoError(t, err)
	return &config.LoadedDefinition{Definition: def, Source: "household.yaml", Format: "yaml", ParsedAt: time.Now()}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	tel, err := telemetry.NewTelemetry(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel.WithContext(context.Background())
}

func testRunner(t *testing.T, gw engine.Gateway) (*runner, *stores.SQLiteStore, *bytes.Buffer) {
	t.Helper()
	store, err := stores.Open(context.Background(), stores.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	out := &bytes.Buffer{}
	return &runner{gateway: gw, store: store, out: out}, store, out
}

func setJSONOutput(t *testing.T, v bool) {
	t.Helper()
	prev := jsonOutput
	jsonOutput = v
	t.Cleanup(func() { jsonOutput = prev })
}

func TestRunner_InstallRecordsRun(t *testing.T) {
	ctx := testContext(t)
	gw := memory.New()
	r, store, _ := testRunner(t, gw)

	result, err := r.run(ctx, operationInstall, testDefinition(t, "1.0.0"), engine.UpdateOptions{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, 4, result.Applied.Total())
	assert.Equal(t, 4, gw.Len())

	run, err := store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, operationInstall, run.Operation)
	assert.Equal(t, engine.RunStatusSucceeded, run.Status)
	assert.Equal(t, "1.0.0", run.Version)
	assert.Equal(t, "household.yaml", run.Source)
	assert.Equal(t, 2, run.Applied.Tags)

	events, err := store.GetEvents(context.Background(), result.RunID, 0)
	require.NoError(t, err)
	var created int
	for _, ev := range events {
		assert.Equal(t, result.RunID, ev.RunID)
		if ev.Type == telemetry.EventTypeResourceCreated {
			created++
		}
	}
	assert.Equal(t, 4, created)
}

func TestRunner_UpdateWithoutChanges(t *testing.T) {
	ctx := testContext(t)
	gw := memory.New()
	r, store, _ := testRunner(t, gw)
	loaded := testDefinition(t, "1.0.0")

	_, err := r.run(ctx, operationInstall, loaded, engine.UpdateOptions{})
	require.NoError(t, err)
	gw.ResetCalls()

	result, err := r.run(ctx, operationUpdate, loaded, engine.UpdateOptions{AutoApprove: true})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.HasChanges)
	assert.Empty(t, gw.CallsTo(memory.OpCreate))

	run, err := store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusNoChanges, run.Status)
}

func TestRunner_PartialRollback(t *testing.T) {
	ctx := testContext(t)
	gw := memory.New()
	gw.FailCreateOf(taxonomy.KindCustomField, "Amount", errors.New("server exploded"))
	gw.FailDeleteOf(taxonomy.KindTag, "Insurance", errors.New("delete refused"))
	r, store, _ := testRunner(t, gw)

	result, err := r.run(ctx, operationInstall, testDefinition(t, "1.0.0"), engine.UpdateOptions{})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Contains(t, err.Error(), "rolled back")
	assert.False(t, result.Success)
	assert.Equal(t, 2, result.RolledBack)
	require.Len(t, result.Orphans, 1)
	assert.Equal(t, "Insurance", result.Orphans[0].NaturalKey)

	run, err := store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusPartial, run.Status)
	require.NotNil(t, run.Error)

	orphans, err := store.ListOrphans(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, taxonomy.KindTag, orphans[0].Kind)
	assert.Equal(t, result.Orphans[0].ID, orphans[0].RemoteID)

	out := &bytes.Buffer{}
	require.NoError(t, renderResult(out, operationInstall, result, err))
	assert.Contains(t, out.String(), err.Error())
	assert.Contains(t, out.String(), "Insurance")
	assert.Contains(t, out.String(), "manual cleanup")
}

func TestRunner_FirstCreateFailureIsRolledBack(t *testing.T) {
	ctx := testContext(t)
	gw := memory.New()
	gw.FailCreateAt(taxonomy.KindTag, 1, errors.New("tag rejected"))
	r, store, _ := testRunner(t, gw)

	result, err := r.run(ctx, operationInstall, testDefinition(t, "1.0.0"), engine.UpdateOptions{})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Zero(t, result.RolledBack)
	assert.Equal(t, engine.RunStatusRolledBack, engine.StatusOf(result.HasChanges, err))

	run, err := store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusRolledBack, run.Status)
}

func TestRunner_ReleasesEventSubscriber(t *testing.T) {
	ctx := testContext(t)
	events := telemetry.EventsFromContext(ctx)
	require.NotNil(t, events)
	before := events.SubscriberCount()

	gw := memory.New()
	r, store, _ := testRunner(t, gw)
	loaded := testDefinition(t, "1.0.0")

	first, err := r.run(ctx, operationInstall, loaded, engine.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, before, events.SubscriberCount())

	second, err := r.run(ctx, operationUpdate, loaded, engine.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, before, events.SubscriberCount())

	// Events of the second run are not recorded against the first.
	firstEvents, err := store.GetEvents(context.Background(), first.RunID, 0)
	require.NoError(t, err)
	for _, ev := range firstEvents {
		assert.Equal(t, first.RunID, ev.RunID)
	}
	secondEvents, err := store.GetEvents(context.Background(), second.RunID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, secondEvents)
}

func TestRunner_PolicyDenial(t *testing.T) {
	ctx := testContext(t)
	gw := memory.New()
	r, store, _ := testRunner(t, gw)

	pe, err := policy.NewEngine(telemetry.NewNopLogger().Zerolog())
	require.NoError(t, err)
	require.NoError(t, pe.AddPolicies(ctx, []policy.Policy{{
		Name:     "no-insurance",
		Severity: policy.SeverityError,
		Enabled:  true,
		Rego: `package papersync.test

import rego.v1

deny contains "insurance tags are managed elsewhere" if {
	some tag in input.diff.new_tags
	tag.name == "Insurance"
}`,
	}}))
	r.policy = pe

	result, err := r.run(ctx, operationInstall, testDefinition(t, "1.0.0"), engine.UpdateOptions{})
	require.Error(t, err)
	assert.True(t, engine.IsPolicyViolation(err))
	assert.Empty(t, gw.CallsTo(memory.OpCreate))

	run, err := store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusFailed, run.Status)
}

func TestRunner_WarnsOnOlderVersion(t *testing.T) {
	ctx := testContext(t)
	r, _, out := testRunner(t, memory.New())

	_, err := r.run(ctx, operationInstall, testDefinition(t, "2.1.0"), engine.UpdateOptions{})
	require.NoError(t, err)
	assert.NotContains(t, out.String(), "older than")

	_, err = r.run(ctx, operationUpdate, testDefinition(t, "2.0.0"), engine.UpdateOptions{})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "older than version 2.1.0")
}

func TestRunner_WithoutHistory(t *testing.T) {
	gw := memory.New()
	r := &runner{gateway: gw, out: &bytes.Buffer{}}

	result, err := r.run(context.Background(), operationUpdate, testDefinition(t, "1.0.0"), engine.UpdateOptions{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.RunID)
}

func TestRenderDiff(t *testing.T) {
	loaded := testDefinition(t, "1.0.0")
	diff, err := engine.NewOrchestrator(memory.New()).DetectChanges(context.Background(), loaded.Definition)
	require.NoError(t, err)

	t.Run("table", func(t *testing.T) {
		setJSONOutput(t, false)
		out := &bytes.Buffer{}
		require.NoError(t, renderDiff(out, loaded, diff))
		assert.Contains(t, out.String(), "Financial")
		assert.Contains(t, out.String(), "Amount")
		assert.Contains(t, out.String(), "4 missing")
	})

	t.Run("json", func(t *testing.T) {
		setJSONOutput(t, true)
		out := &bytes.Buffer{}
		require.NoError(t, renderDiff(out, loaded, diff))

		var decoded struct {
			NewTags    []map[string]any `json:"new_tags"`
			HasChanges bool             `json:"has_changes"`
		}
		require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
		assert.True(t, decoded.HasChanges)
		require.Len(t, decoded.NewTags, 2)
		assert.Equal(t, "Financial", decoded.NewTags[0]["natural_key"])
	})
}

func TestFullDiff(t *testing.T) {
	diff := fullDiff(testDefinition(t, "1.0.0").Definition)
	assert.True(t, diff.HasChanges)
	assert.Equal(t, taxonomy.Counts{Tags: 2, DocumentTypes: 1, CustomFields: 1}, diff.Counts())
}

func TestSessionPolicyEngine_DisabledPolicies(t *testing.T) {
	s := &session{settings: config.DefaultSettings()}
	s.settings.DisabledPolicies = []string{"bulk-creation"}

	pe, err := s.policyEngine(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pe)

	states := map[string]bool{}
	for _, p := range listPolicies(pe) {
		states[p.Name] = p.Enabled
	}
	assert.False(t, states["bulk-creation"])
	assert.True(t, states["storage-path-safety"])

	s.settings.DisabledPolicies = []string{"no-such-policy"}
	_, err = s.policyEngine(context.Background())
	assert.ErrorContains(t, err, "no-such-policy")

	s.settings.DisablePolicies = true
	pe, err = s.policyEngine(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pe)
	assert.Nil(t, listPolicies(pe))
}

func TestRenderValidations_ListsPolicies(t *testing.T) {
	pe, err := policy.NewEngine(telemetry.NewNopLogger().Zerolog())
	require.NoError(t, err)
	require.NoError(t, pe.DisablePolicy("bulk-creation"))

	loaded := testDefinition(t, "1.0.0")
	report := validationReport{
		Definitions: []validation{{
			Scope:     "de/household",
			Version:   "1.0.0",
			Source:    loaded.Source,
			Resources: fullDiff(loaded.Definition).Counts(),
			Policy:    &engine.PolicyDecision{},
		}},
		Policies: listPolicies(pe),
	}

	t.Run("table", func(t *testing.T) {
		setJSONOutput(t, false)
		out := &bytes.Buffer{}
		require.NoError(t, renderValidations(out, report))
		assert.Contains(t, out.String(), "bulk-creation")
		assert.Contains(t, out.String(), "disabled")
		assert.Contains(t, out.String(), "built-in")
		assert.Contains(t, out.String(), "de/household")
	})

	t.Run("json", func(t *testing.T) {
		setJSONOutput(t, true)
		out := &bytes.Buffer{}
		require.NoError(t, renderValidations(out, report))

		var decoded validationReport
		require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
		require.Len(t, decoded.Definitions, 1)
		require.Len(t, decoded.Policies, len(policy.GetBuiltinPolicies()))
		for _, p := range decoded.Policies {
			assert.True(t, p.Builtin, p.Name)
			assert.Equal(t, p.Name != "bulk-creation", p.Enabled, p.Name)
		}
	})
}

func TestPolicySummary(t *testing.T) {
	assert.Equal(t, "skipped", policySummary(nil))
	assert.Equal(t, "ok", policySummary(&engine.PolicyDecision{}))
	assert.Equal(t, "ok, 1 warning(s)", policySummary(&engine.PolicyDecision{
		Warnings: []engine.PolicyFinding{{Message: "w"}},
	}))
	assert.Equal(t, "2 denied", policySummary(&engine.PolicyDecision{
		Denials: []engine.PolicyFinding{{Message: "a"}, {Message: "b"}},
	}))
}

func TestApplyFlags(t *testing.T) {
	prevCountry, prevDomain, prevDefs := countryFlag, domainFlag, definitionsFlag
	t.Cleanup(func() { countryFlag, domainFlag, definitionsFlag = prevCountry, prevDomain, prevDefs })

	s := config.DefaultSettings()
	s.Country = "at"
	countryFlag, domainFlag, definitionsFlag = "de", "", "./defs"

	applyFlags(s)
	assert.Equal(t, "de", s.Country)
	assert.Empty(t, s.Domain)
	assert.Equal(t, "./defs", s.Definitions)
}

func TestAutoApproveUsage(t *testing.T) {
	for _, cmd := range []*cobra.Command{newUpdateCommand(), newWatchCommand()} {
		flag := cmd.Flags().Lookup("auto-approve")
		require.NotNil(t, flag, cmd.Name())
		assert.Equal(t, "false", flag.DefValue, cmd.Name())
		assert.NotContains(t, flag.Usage, "without prompting", cmd.Name())
		assert.Contains(t, flag.Usage, "existing resources", cmd.Name())
		assert.NotContains(t, cmd.Example, "--auto-approve", cmd.Name())
	}
}

func TestDefinitionWatcher_TriggersOnChange(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "household.yaml")
	require.NoError(t, os.WriteFile(file, []byte("country: de\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan struct{}, 10)
	w := &definitionWatcher{
		path:     dir,
		debounce: 50 * time.Millisecond,
		onChange: func(context.Context) { changes <- struct{}{} },
	}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(file, []byte("country: de\ndomain: household\n"), 0o644))

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestDefinitionWatcher_MissingPath(t *testing.T) {
	w := &definitionWatcher{path: filepath.Join(t.TempDir(), "missing"), onChange: func(context.Context) {}}
	assert.Error(t, w.Run(context.Background()))
}
