package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader owns the daemon's configuration file. It loads it once, then
// optionally watches it and swaps in each valid revision.
type Loader struct {
	path string

	mu        sync.RWMutex
	current   *Config
	listeners []func(*Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
	errs    chan error

	// Debounce is the quiet period after the last write before a re-read.
	Debounce time.Duration
}

// NewLoader returns a Loader for path, or for ConfigPath when empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	return &Loader{
		path:     path,
		done:     make(chan struct{}),
		errs:     make(chan error, 1),
		Debounce: 100 * time.Millisecond,
	}
}

func (l *Loader) Path() string { return l.path }

// Config is the last configuration accepted by Load or a reload.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Load reads the file, upgrades an old version in place and validates it.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	if cfg.Version < Version {
		if _, err := MigrateConfig(cfg, l.path); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// OnChange registers fn to run after each accepted reload.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Errors carries problems hit while watching. Only the oldest unread
// error is kept.
func (l *Loader) Errors() <-chan error { return l.errs }

// Watch starts reloading the file when it changes. The directory is
// watched since editors often replace the file by renaming over it.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}
	l.watcher = w
	go l.watch(w)
	return nil
}

func (l *Loader) watch(w *fsnotify.Watcher) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	name := filepath.Base(l.path)

	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(l.Debounce, l.reload)
			} else {
				timer.Reset(l.Debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.fail(err)
		}
	}
}

func (l *Loader) fail(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// reload swaps in the new file if it is valid. A bad revision is reported
// on Errors and the previous configuration stays current.
func (l *Loader) reload() {
	select {
	case <-l.done:
		return
	default:
	}

	cfg, err := Load(l.path)
	if err == nil {
		_, err = MigrateConfig(cfg, "")
	}
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		l.fail(fmt.Errorf("reload %s: %w", l.path, err))
		return
	}

	l.mu.Lock()
	l.current = cfg
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// Close stops watching. It is safe to call more than once.
func (l *Loader) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	return err
}

type decodeFunc func([]byte, *Config) error

var decoders = map[string]decodeFunc{
	".toml": decodeTOML,
	".json": func(b []byte, c *Config) error { return json.Unmarshal(b, c) },
	".yaml": func(b []byte, c *Config) error { return yaml.Unmarshal(b, c) },
	".yml":  func(b []byte, c *Config) error { return yaml.Unmarshal(b, c) },
}

// readFile decodes path over the defaults by extension; an unknown
// extension tries TOML, then JSON, then YAML. A missing file is the
// defaults.
func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	// Decoders append into an existing slice; the palette must start empty.
	cfg.Settings.Palette = nil

	if dec, ok := decoders[filepath.Ext(path)]; ok {
		if err := dec(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
	} else if !decodeAny(data, cfg) {
		return nil, errors.New("parse config: not TOML, JSON or YAML")
	}

	if len(cfg.Settings.Palette) == 0 {
		cfg.Settings.Palette = DefaultPalette()
	}
	return cfg, nil
}

func decodeAny(data []byte, cfg *Config) bool {
	for _, ext := range []string{".toml", ".json", ".yaml"} {
		if decoders[ext](data, cfg) == nil {
			return true
		}
	}
	return false
}

// LoadOrCreate loads path, first writing the defaults there when the file
// is missing. created reports whether it wrote the file.
func LoadOrCreate(path string) (cfg *Config, created bool, err error) {
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg = DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}
	cfg, err = NewLoader(path).Load()
	return cfg, false, err
}
