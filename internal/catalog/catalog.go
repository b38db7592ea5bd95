// Package catalog loads event families and side-effect policies from YAML.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jnst/txevents/internal/eventbus"
	"github.com/jnst/txevents/internal/sideeffect"
)

// File is the YAML document.
type File struct {
	Strict   bool                  `yaml:"strict"`
	Families map[string][]string   `yaml:"families"`
	Policies map[string]PolicySpec `yaml:"policies"`
}

// PolicySpec is the YAML form of a side-effect policy. Unset fields keep
// the default policy's value.
type PolicySpec struct {
	Mode              string   `yaml:"mode"`
	Timeout           string   `yaml:"timeout"`
	MaxRetries        *int     `yaml:"max_retries"`
	InitialDelay      string   `yaml:"initial_delay"`
	MaxDelay          string   `yaml:"max_delay"`
	BackoffMultiplier *float64 `yaml:"backoff_multiplier"`
	Jitter            *float64 `yaml:"jitter"`
	FailOnError       *bool    `yaml:"fail_on_error"`
}

// Load reads the catalog file at path. An empty path yields an empty file.
func Load(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes a catalog document.
func Parse(r io.Reader) (*File, error) {
	var file File

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	return &file, nil
}

// Catalog builds the family catalog declared by the file.
func (f *File) Catalog() (*eventbus.Catalog, error) {
	c := eventbus.NewCatalog()
	if f.Strict {
		c = eventbus.NewStrictCatalog()
	}

	families := make([]string, 0, len(f.Families))
	for family := range f.Families {
		families = append(families, family)
	}
	sort.Strings(families)

	for _, family := range families {
		if err := c.Define(family, f.Families[family]...); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Registry builds a policy registry on top of def, inheriting through c.
func (f *File) Registry(def sideeffect.Policy, c *eventbus.Catalog) (*sideeffect.PolicyRegistry, error) {
	reg := sideeffect.NewPolicyRegistry(def)
	if c != nil {
		reg.WithHierarchy(c)
	}

	for kind, spec := range f.Policies {
		p, err := spec.Apply(def)
		if err != nil {
			return nil, fmt.Errorf("policy for %q: %w", kind, err)
		}

		if err := reg.Set(kind, p); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

// Apply overlays the spec on base.
func (s PolicySpec) Apply(base sideeffect.Policy) (sideeffect.Policy, error) {
	p := base

	if s.Mode != "" {
		mode, err := sideeffect.ParseMode(s.Mode)
		if err != nil {
			return p, err
		}
		p.Mode = mode
	}

	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{s.Timeout, &p.Timeout},
		{s.InitialDelay, &p.InitialDelay},
		{s.MaxDelay, &p.MaxDelay},
	} {
		if d.raw == "" {
			continue
		}

		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return p, err
		}
		*d.dst = v
	}

	if s.MaxRetries != nil {
		p.MaxRetries = *s.MaxRetries
	}
	if s.BackoffMultiplier != nil {
		p.BackoffMultiplier = *s.BackoffMultiplier
	}
	if s.Jitter != nil {
		p.Jitter = *s.Jitter
	}
	if s.FailOnError != nil {
		p.FailOnError = *s.FailOnError
	}

	return p, p.Validate()
}
