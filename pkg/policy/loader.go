package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/rs/zerolog"
)

const (
	// PolicyExt is the extension of diff policy files.
	PolicyExt = ".rego"

	// PackagePrefix is the package every diff policy must live under.
	PackagePrefix = "data.papersync."

	reloadDelay = 500 * time.Millisecond
)

// Loader reads diff policies from .rego files and can watch them for
// changes.
type Loader struct {
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads the diff policies below paths. A file that cannot be
// read or is not a diff policy fails the whole load, so a broken file never
// silently weakens the gate. Policy names come from file names and must be
// unique across paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var (
		policies []Policy
		sources  = make(map[string]string)
	)

	for _, path := range paths {
		files, err := policyFiles(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p, err := l.loadFile(file)
			if err != nil {
				return nil, err
			}
			if prev, dup := sources[p.Name]; dup {
				return nil, fmt.Errorf("policy %s defined by both %s and %s", p.Name, prev, file)
			}
			sources[p.Name] = file
			policies = append(policies, *p)
		}
	}

	l.logger.Debug().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

// policyFiles lists the policy files at path in lexical order. Hidden
// directories below a directory path are skipped.
func policyFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		if !isPolicyFile(path) {
			return nil, fmt.Errorf("%s is not a %s file", path, PolicyExt)
		}
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if isPolicyFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func isPolicyFile(path string) bool {
	return filepath.Ext(path) == PolicyExt
}

// loadFile reads one diff policy. A "# severity: warning" comment in the
// header downgrades its deny results to warnings.
func (l *Loader) loadFile(filePath string) (*Policy, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	content := string(data)

	pkg, err := diffPolicyPackage(filePath, content)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	policy := &Policy{
		Name:        strings.TrimSuffix(filepath.Base(filePath), PolicyExt),
		Description: extractDescription(content),
		Rego:        content,
		Severity:    extractSeverity(content),
		Enabled:     true,
		Metadata: map[string]interface{}{
			"source":  filePath,
			"package": pkg,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	l.logger.Debug().
		Str("path", filePath).
		Str("policy", policy.Name).
		Str("package", pkg).
		Msg("Policy loaded from file")

	return policy, nil
}

// diffPolicyPackage parses content and returns its package path. The
// module must live under PackagePrefix and define deny or warn.
func diffPolicyPackage(filePath, content string) (string, error) {
	module, err := ast.ParseModule(filePath, content)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s: %w", filePath, err)
	}
	if module == nil {
		return "", fmt.Errorf("%s: empty policy module", filePath)
	}

	pkg := module.Package.Path.String()
	if !strings.HasPrefix(pkg, PackagePrefix) {
		return "", fmt.Errorf("%s: package %s is not below %s", filePath, strings.TrimPrefix(pkg, "data."), strings.TrimPrefix(PackagePrefix, "data."))
	}

	for _, rule := range module.Rules {
		ref := rule.Head.Ref()
		if len(ref) == 0 {
			continue
		}
		if name := ref[0].String(); name == "deny" || name == "warn" {
			return pkg, nil
		}
	}
	return "", fmt.Errorf("%s: package %s defines neither deny nor warn", filePath, strings.TrimPrefix(pkg, "data."))
}

// extractDescription joins the leading comment block of a Rego file.
func extractDescription(content string) string {
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment == "" || isSeverityComment(comment) {
				continue
			}
			if description.Len() > 0 {
				description.WriteString(" ")
			}
			description.WriteString(comment)
		} else if trimmed != "" {
			break
		}
	}

	return description.String()
}

func isSeverityComment(comment string) bool {
	return strings.HasPrefix(strings.ToLower(comment), "severity:")
}

func extractSeverity(content string) Severity {
	for _, line := range strings.Split(content, "\n") {
		comment := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "#"))
		if !isSeverityComment(comment) {
			continue
		}
		switch s := Severity(strings.ToLower(strings.TrimSpace(comment[len("severity:"):]))); s {
		case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
			return s
		}
	}
	return SeverityError
}

// Watch watches paths for policy changes and calls reloadFn with the full
// reloaded set after a short debounce. A reload that fails keeps the
// previous set in place. Watch returns once the watcher is set up; watching
// stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}

		if info.IsDir() {
			if err := watchDirectory(watcher, path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
			}
		} else if err := watcher.Add(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
		}
	}

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

func watchDirectory(watcher *fsnotify.Watcher, dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isPolicyFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded successfully")

	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
