// Package sink loads sink definitions and resolves sinks by name.
package sink

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"ingestor/internal/commit"
	"ingestor/internal/sink/fssink"
	"ingestor/internal/sink/memsink"
	"ingestor/internal/sink/sqlitesink"
)

// Definition is one sink block:
//
//	sink "events" {
//	  kind     = "sqlite"
//	  location = "/data/events.db"
//	}
type Definition struct {
	Name     string `hcl:"name,label"`
	Kind     string `hcl:"kind"`
	Location string `hcl:"location,optional"`
	Format   string `hcl:"format,optional"`
}

type file struct {
	Sinks []Definition `hcl:"sink,block"`
}

// ParseFile reads sink definitions from an HCL file.
func ParseFile(path string) ([]Definition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sink config: %w", err)
	}
	return Parse(src, path)
}

// Parse decodes sink definitions from HCL source.
func Parse(src []byte, filename string) ([]Definition, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse sink config %s: %s", filename, diags.Error())
	}
	var cfg file
	if diags := gohcl.DecodeBody(f.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode sink config %s: %s", filename, diags.Error())
	}
	seen := make(map[string]bool, len(cfg.Sinks))
	for _, d := range cfg.Sinks {
		if seen[d.Name] {
			return nil, fmt.Errorf("sink %q defined more than once", d.Name)
		}
		seen[d.Name] = true
	}
	return cfg.Sinks, nil
}

// Open constructs the sink a definition describes.
func Open(d Definition) (commit.Sink, error) {
	switch d.Kind {
	case "file", "fs":
		if d.Location == "" {
			return nil, fmt.Errorf("sink %q: location is required", d.Name)
		}
		return fssink.New(d.Name, d.Location, fssink.Format(d.Format))
	case "sqlite":
		if d.Location == "" {
			return nil, fmt.Errorf("sink %q: location is required", d.Name)
		}
		return sqlitesink.Open(d.Name, d.Location)
	case "memory":
		return memsink.New(d.Name), nil
	default:
		return nil, fmt.Errorf("sink %q: unknown kind %q", d.Name, d.Kind)
	}
}

// Registry resolves sinks by name.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]commit.Sink
}

// NewRegistry creates a registry holding sinks.
func NewRegistry(sinks ...commit.Sink) *Registry {
	r := &Registry{sinks: make(map[string]commit.Sink, len(sinks))}
	for _, s := range sinks {
		r.sinks[s.Name()] = s
	}
	return r
}

// OpenAll opens every definition. Already-opened sinks are closed on failure.
func OpenAll(defs []Definition) (*Registry, error) {
	r := NewRegistry()
	for _, d := range defs {
		s, err := Open(d)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.sinks[d.Name] = s
	}
	return r, nil
}

// ErrUnknownSink is returned by Get for a name with no definition.
var ErrUnknownSink = errors.New("unknown sink")

// Get returns the named sink.
func (r *Registry) Get(name string) (commit.Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSink, name)
	}
	return s, nil
}

// Names returns the registered sink names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for n := range r.sinks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes every sink, returning the joined errors.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
