package schema

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads schema documents from YAML and CUE files.
type Loader struct {
	logger  zerolog.Logger
	cue     *CUEDecoder
	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a schema loader.
func NewLoader(logger zerolog.Logger) (*Loader, error) {
	dec, err := NewCUEDecoder()
	if err != nil {
		return nil, err
	}
	return &Loader{
		logger: logger.With().Str("component", "schema-loader").Logger(),
		cue:    dec,
	}, nil
}

// IsSchemaFile reports whether path has a supported extension.
func IsSchemaFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".cue":
		return true
	}
	return false
}

// DecodeYAML decodes and validates a YAML schema document.
func DecodeYAML(filename string, data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: failed to parse YAML: %w", filename, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return &doc, nil
}

// LoadFile reads one schema document.
func (l *Loader) LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DecodeYAML(path, data)
	case ".cue":
		return l.cue.Decode(path, data)
	default:
		return nil, fmt.Errorf("unsupported schema file: %s", path)
	}
}

// LoadPaths reads every schema document under paths (files or directories,
// walked recursively) and compiles them into a new registry.
func (l *Loader) LoadPaths(ctx context.Context, paths []string) (*Registry, error) {
	files, err := l.collect(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no schema files found in %v", paths)
	}

	docs := make([]*Document, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := l.LoadFile(f)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	reg := NewRegistry()
	if err := reg.AddDocuments(docs...); err != nil {
		return nil, err
	}

	l.logger.Info().
		Int("files", len(files)).
		Int("classes", len(reg.Names())).
		Msg("Schema loaded")

	return reg, nil
}

func (l *Loader) collect(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat path: %w", err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && IsSchemaFile(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory: %w", err)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Watch reloads the schema whenever a schema file under paths changes and
// hands the new registry to reloadFn. A reload that fails is logged and the
// previous registry stays in effect. Watching stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func(*Registry) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Failed to stat path for watching")
			continue
		}
		if !info.IsDir() {
			// Editors replace files on save; watch the directory instead.
			p = filepath.Dir(p)
		}
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(path)
			}
			return nil
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Failed to watch directory")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching schema paths")

	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func(*Registry) error) {
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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !IsSchemaFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Schema file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload schema")
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

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func(*Registry) error) error {
	reg, err := l.LoadPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload schema: %w", err)
	}
	if err := reloadFn(reg); err != nil {
		return fmt.Errorf("failed to apply reloaded schema: %w", err)
	}
	l.logger.Info().Msg("Schema reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil {
		err := l.watcher.Close()
		l.watcher = nil
		return err
	}
	return nil
}
