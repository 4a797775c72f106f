package strategy

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tradeloop/internal/logger"
	"tradeloop/internal/scheduler"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileConfig maps the strategy YAML file.
type FileConfig struct {
	Active     string            `yaml:"active"`
	Strategies map[string]Config `yaml:"strategies"`
}

type Snapshot struct {
	Version    int64             `json:"version"`
	LoadedAt   time.Time         `json:"loaded_at"`
	Active     string            `json:"active"`
	Strategies map[string]Config `json:"strategies"`
}

type ChangeListener func(Snapshot)

var ErrUnknownStrategy = errors.New("unknown strategy")

// Registry holds the strategies from a YAML file and reloads them when the file changes.
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry loads path; a missing file yields a registry with only the built-in strategy.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: strings.TrimSpace(path)}
	if r.path == "" {
		r.install(FileConfig{})
		return r, nil
	}
	if _, err := os.Stat(r.path); errors.Is(err, os.ErrNotExist) {
		logger.Warnf("strategy file %s not found, using built-in strategy", r.path)
		r.install(FileConfig{})
		return r, nil
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Watch starts hot reloading; a broken edit keeps the previous snapshot.
func (r *Registry) Watch() {
	if r.path == "" {
		return
	}
	r.mu.Lock()
	if r.v != nil {
		r.mu.Unlock()
		return
	}
	v := viper.New()
	v.SetConfigFile(r.path)
	r.v = v
	r.mu.Unlock()
	if err := v.ReadInConfig(); err != nil {
		logger.Warnf("strategy watch disabled: %v", err)
		return
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("strategy reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
}

// OnChange registers fn to run after each successful reload or selection.
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) Active() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.Strategies[r.snapshot.Active]
}

func (r *Registry) Get(name string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.snapshot.Strategies[strings.TrimSpace(name)]
	return c, ok
}

// List returns every strategy sorted by name.
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, 0, len(r.snapshot.Strategies))
	for _, c := range r.snapshot.Strategies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Select switches the active strategy until the next file reload.
func (r *Registry) Select(name string) error {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	if _, ok := r.snapshot.Strategies[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	r.snapshot.Active = name
	r.snapshot.Version++
	r.mu.Unlock()
	logger.Infof("strategy switched to %s", name)
	r.notifyListeners()
	return nil
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

func (r *Registry) reload() error {
	cfg, err := readFile(r.path)
	if err != nil {
		return err
	}
	if err := r.install(cfg); err != nil {
		return err
	}
	logger.Infof("strategy registry loaded %d strategies from %s", len(cfg.Strategies), filepath.Base(r.path))
	return nil
}

func (r *Registry) install(cfg FileConfig) error {
	all := make(map[string]Config, len(cfg.Strategies)+1)
	for name, c := range cfg.Strategies {
		norm := normalize(name, c)
		if _, ok := scheduler.ParseIntervalDuration(norm.Timeframe); !ok {
			return fmt.Errorf("strategy %s: invalid timeframe %q", norm.Name, norm.Timeframe)
		}
		all[norm.Name] = norm
	}
	if _, ok := all[DefaultName]; !ok {
		all[DefaultName] = Default()
	}
	active := strings.TrimSpace(cfg.Active)
	if active == "" {
		active = DefaultName
	}
	if _, ok := all[active]; !ok {
		return fmt.Errorf("%w: active strategy %s", ErrUnknownStrategy, active)
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:    r.snapshot.Version + 1,
		LoadedAt:   time.Now(),
		Active:     active,
		Strategies: all,
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("strategy listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := src
	dst.Strategies = make(map[string]Config, len(src.Strategies))
	for k, v := range src.Strategies {
		dst.Strategies[k] = v
	}
	return dst
}

func readFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read strategy file: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse strategy file: %w", err)
	}
	return cfg, nil
}
