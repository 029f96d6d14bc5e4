package definitions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/rendis/flowcore/pkg/schema"
)

const defaultDebounce = 200 * time.Millisecond

// FileSource loads one definition per *.yaml, *.yml or *.json file in a
// directory. Invalid files are logged and skipped; the rest still publish.
type FileSource struct {
	dir      string
	mem      *MemorySource
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	onReload []func(ids []string)
}

var _ Source = (*FileSource)(nil)

// NewFileSource creates a FileSource and performs the initial load.
// validator and logger may be nil.
func NewFileSource(dir string, validator Validator, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("definitions dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("definitions dir %s is not a directory", dir)
	}
	s := &FileSource{
		dir:      dir,
		mem:      NewMemorySource(validator),
		logger:   logger.With(slog.String("component", "definitions")),
		debounce: defaultDebounce,
	}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSource) Get(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	return s.mem.Get(ctx, id)
}

func (s *FileSource) Revision(ctx context.Context, id, revision string) (*schema.WorkflowDefinition, error) {
	return s.mem.Revision(ctx, id, revision)
}

func (s *FileSource) List(ctx context.Context) ([]string, error) {
	return s.mem.List(ctx)
}

// OnReload registers fn to be called with the published IDs after each reload.
func (s *FileSource) OnReload(fn func(ids []string)) {
	s.mu.Lock()
	s.onReload = append(s.onReload, fn)
	s.mu.Unlock()
}

// Reload re-reads the directory and atomically replaces the published set.
// Earlier revisions stay resolvable for runs pinned to them. It returns the
// number of definitions published.
func (s *FileSource) Reload() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read definitions dir: %w", err)
	}

	defs := make(map[string]*schema.WorkflowDefinition)
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		def, err := LoadFile(path)
		if err == nil && s.mem.validator != nil {
			err = s.mem.validator.ValidateDefinition(def)
		}
		if err != nil {
			s.logger.Warn("skipping definition", slog.String("file", path), slog.Any("error", err))
			continue
		}
		if prev, dup := defs[def.ID]; dup {
			s.logger.Warn("duplicate definition id, keeping first",
				slog.String("id", def.ID), slog.String("file", path), slog.String("kept", prev.Name))
			continue
		}
		defs[def.ID] = def
	}
	s.mem.replace(defs)

	ids, _ := s.mem.List(context.Background())
	s.logger.Info("definitions loaded", slog.Int("count", len(ids)))
	s.mu.Lock()
	hooks := append([]func([]string){}, s.onReload...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(ids)
	}
	return len(ids), nil
}

// Watch reloads the directory when files change, until ctx is done. Bursts of
// filesystem events are coalesced.
func (s *FileSource) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isDefinitionFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				timer.Reset(s.debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("definitions watcher error", slog.Any("error", err))
		case <-fire:
			fire = nil
			if _, err := s.Reload(); err != nil {
				s.logger.Error("reload definitions", slog.Any("error", err))
			}
		}
	}
}

// LoadFile decodes one definition. YAML is converted through its JSON form
// so raw config blocks keep their structure.
func LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data, strings.EqualFold(filepath.Ext(path), ".json"))
}

// Decode parses a definition from JSON or YAML bytes.
func Decode(data []byte, isJSON bool) (*schema.WorkflowDefinition, error) {
	if !isJSON {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse yaml: %v", err).WithCause(err)
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "convert yaml: %v", err).WithCause(err)
		}
		data = b
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode definition: %v", err).WithCause(err)
	}
	if strings.TrimSpace(def.ID) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition id is required")
	}
	return &def, nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
