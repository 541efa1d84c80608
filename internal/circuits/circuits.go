package circuits

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrCircuitNotFound is returned when a circuit name is not in the registry.
var ErrCircuitNotFound = errors.New("circuit not found")

// Circuit is a named fixed location: a race track or a service park.
type Circuit struct {
	Name      string  `json:"name" yaml:"name"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Registry holds the known circuits, keyed by normalized name.
type Registry struct {
	byName map[string]Circuit
}

type registryFile struct {
	Circuits []Circuit `yaml:"circuits"`
}

// defaultCircuits seeds the registry when no file is configured.
var defaultCircuits = []Circuit{
	{Name: "zandvoort", Latitude: 52.387, Longitude: 4.540},
}

// NewRegistry returns a registry seeded with the built-in defaults.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Circuit)}
	for _, c := range defaultCircuits {
		r.add(c)
	}
	return r
}

// LoadRegistry reads a YAML circuit file and merges it over the defaults.
// File entries with a name matching a default override it.
func LoadRegistry(path string) (*Registry, error) {
	r := NewRegistry()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("circuits file not found: %s", path)
		}
		return nil, fmt.Errorf("read circuits file: %w", err)
	}
	var rf registryFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse circuits file: %w", err)
	}
	for _, c := range rf.Circuits {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("circuits file %s: entry without name", path)
		}
		if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
			return nil, fmt.Errorf("circuits file %s: %s has out-of-range coordinates", path, c.Name)
		}
		r.add(c)
	}
	return r, nil
}

func (r *Registry) add(c Circuit) {
	c.Name = normalize(c.Name)
	r.byName[c.Name] = c
}

// Get returns the circuit for the given name (case/space-insensitive).
func (r *Registry) Get(name string) (Circuit, error) {
	c, ok := r.byName[normalize(name)]
	if !ok {
		return Circuit{}, fmt.Errorf("%w: %s", ErrCircuitNotFound, name)
	}
	return c, nil
}

// List returns all circuits sorted by name.
func (r *Registry) List() []Circuit {
	out := make([]Circuit, 0, len(r.byName))
	for _, c := range r.byName {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the normalized circuit names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
