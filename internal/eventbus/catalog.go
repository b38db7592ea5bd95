package eventbus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jnst/txevents/internal/model"
)

// Catalog describes closed event families. A family kind lists its direct
// children; a kind without children is a concrete (leaf) kind.
// Families may nest, and a handler subscribed to a family receives every
// leaf below it.
type Catalog struct {
	mu       sync.RWMutex
	children map[string][]string
	parents  map[string][]string
	strict   bool
}

// NewCatalog creates an empty catalog. In a non-strict catalog any kind that
// is not declared is treated as a standalone leaf.
func NewCatalog() *Catalog {
	return &Catalog{
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}
}

// NewStrictCatalog creates a catalog that rejects undeclared kinds.
func NewStrictCatalog() *Catalog {
	c := NewCatalog()
	c.strict = true
	return c
}

// Strict reports whether undeclared kinds are rejected.
func (c *Catalog) Strict() bool {
	return c.strict
}

// Define adds children to a family. Defining the same child twice is a no-op.
func (c *Catalog) Define(family string, children ...string) error {
	if family == "" {
		return model.ErrEmptyKind
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, child := range children {
		if child == "" {
			return model.ErrEmptyKind
		}

		if child == family || c.reachableLocked(child, family) {
			return fmt.Errorf("%w: %s -> %s", model.ErrKindCycle, family, child)
		}

		if contains(c.children[family], child) {
			continue
		}

		c.children[family] = append(c.children[family], child)
		c.parents[child] = append(c.parents[child], family)
	}

	return nil
}

// reachableLocked reports whether to is a descendant of from.
func (c *Catalog) reachableLocked(from, to string) bool {
	stack := []string{from}
	seen := map[string]struct{}{}

	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		for _, child := range c.children[k] {
			if child == to {
				return true
			}
			stack = append(stack, child)
		}
	}

	return false
}

// IsFamily reports whether kind has children.
func (c *Catalog) IsFamily(kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.children[kind]) > 0
}

// Known reports whether kind is declared as a family or as a member of one.
func (c *Catalog) Known(kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.children[kind]) > 0 || len(c.parents[kind]) > 0
}

// Leaves resolves kind to the concrete kinds below it, depth first in
// definition order. A leaf resolves to itself.
func (c *Catalog) Leaves(kind string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	seen := map[string]struct{}{}

	var walk func(k string)
	walk = func(k string) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}

		kids := c.children[k]
		if len(kids) == 0 {
			out = append(out, k)
			return
		}

		for _, child := range kids {
			walk(child)
		}
	}
	walk(kind)

	return out
}

// Ancestors returns every family containing kind, nearest first.
func (c *Catalog) Ancestors(kind string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	seen := map[string]struct{}{kind: {}}
	queue := append([]string(nil), c.parents[kind]...)

	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]

		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		out = append(out, k)
		queue = append(queue, c.parents[k]...)
	}

	return out
}

// Families returns every family kind, sorted.
func (c *Catalog) Families() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.children))
	for k := range c.children {
		out = append(out, k)
	}
	sort.Strings(out)

	return out
}

// Roots returns the families that are not themselves members of a family.
func (c *Catalog) Roots() []string {
	var out []string
	for _, f := range c.Families() {
		if len(c.Ancestors(f)) == 0 {
			out = append(out, f)
		}
	}

	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
