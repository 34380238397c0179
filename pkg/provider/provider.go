// Package provider holds the closed registry of external tool providers
// agents may be given. The registry is a YAML table on disk; activation
// is a pure predicate over the record, and hot swap re-reads the file.
package provider

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/chaiyawut/butler/pkg/log"
)

// StartupMode controls when a provider process starts.
type StartupMode string

const (
	StartupEager  StartupMode = "eager"
	StartupOnUse  StartupMode = "on-use"
	StartupManual StartupMode = "manual"
)

// Record is one provider row in the registry file.
type Record struct {
	Name           string      `yaml:"name"`
	Enabled        bool        `yaml:"enabled"`
	GroupAllowlist []string    `yaml:"groupAllowlist,omitempty"`
	StartupMode    StartupMode `yaml:"startupMode"`
	RequiredEnv    []string    `yaml:"requiredEnv,omitempty"`
	Command        []string    `yaml:"command"`
}

// Active is the activation predicate: enabled, allowed for the group,
// not manual-start, and every required environment variable present.
func (r *Record) Active(groupFolder string, env func(string) string) bool {
	if !r.Enabled || r.StartupMode == StartupManual {
		return false
	}
	if len(r.GroupAllowlist) > 0 {
		allowed := false
		for _, g := range r.GroupAllowlist {
			if g == groupFolder {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	for _, k := range r.RequiredEnv {
		if env(k) == "" {
			return false
		}
	}
	return true
}

type registryFile struct {
	Providers []*Record `yaml:"providers"`
}

// Registry is the live provider table. Load failures keep the previous
// table so a bad edit never empties the registry.
type Registry struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	records map[string]*Record

	stopCh chan struct{}
}

// LoadRegistry reads the registry file. An empty path yields an empty
// static registry.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:    path,
		logger:  log.WithComponent("provider"),
		records: make(map[string]*Record),
		stopCh:  make(chan struct{}),
	}
	if path == "" {
		return r, nil
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Watch starts hot reload on file changes.
func (r *Registry) Watch() error {
	if r.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to watch provider registry: %w", err)
	}
	if err := w.Add(r.path); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch provider registry: %w", err)
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-r.stopCh:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					r.logger.Error().Err(err).Msg("provider registry reload failed, keeping previous table")
					continue
				}
				r.logger.Info().Str("path", r.path).Msg("provider registry reloaded")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Debug().Err(err).Msg("provider registry watch error")
			}
		}
	}()
	return nil
}

// Stop ends the hot-reload watch.
func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read provider registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("malformed provider registry: %w", err)
	}
	records := make(map[string]*Record, len(file.Providers))
	for _, rec := range file.Providers {
		if rec.Name == "" {
			return fmt.Errorf("provider record without a name")
		}
		if _, dup := records[rec.Name]; dup {
			return fmt.Errorf("duplicate provider %q", rec.Name)
		}
		records[rec.Name] = rec
	}
	r.mu.Lock()
	r.records = records
	r.mu.Unlock()
	return nil
}

// Get looks a provider up by name.
func (r *Registry) Get(name string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	return rec, ok
}

// ActiveFor returns the providers active for a group folder.
func (r *Registry) ActiveFor(groupFolder string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Record
	for _, rec := range r.records {
		if rec.Active(groupFolder, os.Getenv) {
			out = append(out, rec)
		}
	}
	return out
}
