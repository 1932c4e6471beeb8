package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/papersync/papersync/pkg/config"
	"github.com/papersync/papersync/pkg/engine"
	"github.com/papersync/papersync/pkg/policy"
)

func newWatchCommand() *cobra.Command {
	var (
		autoApprove bool
		initial     bool
		debounce    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run update whenever a definition changes",
		Long: `Watch the definitions path and run update after every change.

Changes are debounced and updates run one at a time: events arriving while an
update is in flight schedule exactly one more update after it. When a
policies directory is configured, policy files are reloaded on change too.`,
		Example: `  # Keep the household taxonomy in sync while editing
  papersync watch --country de --domain household`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ctx, err := openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()

			r, closeRunner, err := s.newRunner(ctx)
			if err != nil {
				return err
			}
			defer closeRunner()
			r.out = cmd.OutOrStdout()

			if pe, ok := r.policy.(*policy.Engine); ok && s.settings.PoliciesDir != "" {
				loader := policy.NewLoader(log.Logger.With().Str("component", "policy-watch").Logger())
				reload := func(policies []policy.Policy) error {
					return pe.ReplaceUserPolicies(ctx, policies)
				}
				if err := loader.Watch(ctx, []string{s.settings.PoliciesDir}, reload); err != nil {
					return err
				}
				defer loader.StopWatching()
			}

			update := func(ctx context.Context) {
				loaded, err := s.selectDefinition()
				if err != nil {
					log.Error().Err(err).Msg("Failed to load definition")
					return
				}
				result, err := r.run(ctx, operationUpdate, loaded, engine.UpdateOptions{AutoApprove: autoApprove})
				if rerr := renderResult(r.writer(), operationUpdate, result, err); rerr != nil {
					log.Warn().Err(rerr).Msg("Failed to render result")
				}
				if err != nil {
					log.Error().Err(err).Str("definition", loaded.Definition.String()).Msg("Update failed")
				}
				// Export the spans of this update before waiting for the next change.
				if ferr := s.tel.Flush(ctx); ferr != nil {
					log.Warn().Err(ferr).Msg("Failed to flush telemetry")
				}
			}

			if initial {
				update(ctx)
			}

			w := &definitionWatcher{path: s.settings.Definitions, debounce: debounce, onChange: update}
			log.Info().
				Str("path", s.settings.Definitions).
				Dur("debounce", debounce).
				Msg("Watching definitions")
			return w.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, autoApproveUsage)
	cmd.Flags().BoolVar(&initial, "initial", true, "run an update before the first change")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before an update starts")

	return cmd
}

// definitionWatcher calls onChange after definition files below path
// changed and then stayed quiet for debounce. onChange runs on the
// watcher's goroutine, so calls never overlap.
type definitionWatcher struct {
	path     string
	debounce time.Duration
	onChange func(ctx context.Context)
}

// Run watches until ctx is done.
func (w *definitionWatcher) Run(ctx context.Context) error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", w.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// A single file is watched through its directory so editors that
	// replace the file on save keep triggering events.
	var single string
	if info.IsDir() {
		err = addDirectories(watcher, w.path)
	} else {
		single = filepath.Clean(w.path)
		err = watcher.Add(filepath.Dir(single))
	}
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	debounce := w.debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Has(fsnotify.Create) && single == "" {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := addDirectories(watcher, event.Name); err != nil {
						log.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !w.relevant(event.Name, single) {
				continue
			}

			log.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Definition changed")
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Watcher error")

		case <-timer.C:
			w.onChange(ctx)
		}
	}
}

func (w *definitionWatcher) relevant(name, single string) bool {
	if single != "" {
		return filepath.Clean(name) == single
	}
	return config.IsDefinitionFile(name)
}

func addDirectories(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
