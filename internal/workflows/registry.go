// Package workflows holds the built-in workflow handlers a host can run
// without user code. A handler is picked by name from configuration.
package workflows

import (
	"bytes"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/ductile-host/internal/host"
)

// Factory builds a RunFunc from handler options.
type Factory func(options map[string]any) (host.RunFunc, error)

// Registry holds handler factories indexed by name.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Add registers a factory under name.
func (r *Registry) Add(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("workflow handler needs a name and a factory")
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("workflow handler %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Names returns the registered handler names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build returns the RunFunc for name configured with options.
func (r *Registry) Build(name string, options map[string]any) (host.RunFunc, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown workflow handler %q (available: %v)", name, r.Names())
	}
	run, err := f(options)
	if err != nil {
		return nil, fmt.Errorf("workflow handler %q: %w", name, err)
	}
	return run, nil
}

// Builtin returns a registry with every built-in handler.
func Builtin() *Registry {
	r := NewRegistry()
	for name, f := range map[string]Factory{
		"echo":   echo,
		"double": double,
		"fail":   fail,
		"sleep":  sleep,
		"emit":   emit,
	} {
		if err := r.Add(name, f); err != nil {
			panic(err)
		}
	}
	return r
}

// decodeOptions maps loosely typed YAML options onto a struct.
func decodeOptions(options map[string]any, out any) error {
	if len(options) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}
