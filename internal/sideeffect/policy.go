package sideeffect

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mode selects when a side effect runs relative to the commit.
type Mode int

const (
	// BeforeCommit effects run inside the unit of work; a fatal failure rolls it back.
	BeforeCommit Mode = iota
	// AfterCommit effects run once the unit of work has committed; failures are isolated.
	AfterCommit
)

func (m Mode) String() string {
	switch m {
	case BeforeCommit:
		return "before_commit"
	case AfterCommit:
		return "after_commit"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses the textual form of a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "before_commit", "sync":
		return BeforeCommit, nil
	case "after_commit", "async":
		return AfterCommit, nil
	default:
		return 0, fmt.Errorf("unknown side effect mode %q", s)
	}
}

// Policy controls how a kind of side effect is executed.
type Policy struct {
	Mode    Mode
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first one.
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// Jitter randomizes each delay by ± this fraction.
	Jitter float64
	// FailOnError makes a BeforeCommit failure abort the unit of work.
	FailOnError bool
}

// DefaultPolicy is used for kinds without an explicit policy.
func DefaultPolicy() Policy {
	return Policy{
		Mode:              AfterCommit,
		Timeout:           5 * time.Second,
		MaxRetries:        3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            0.1,
		FailOnError:       false,
	}
}

// Validate reports whether the policy values are usable.
func (p Policy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative: %d", p.MaxRetries)
	case p.Timeout < 0:
		return fmt.Errorf("timeout must not be negative: %s", p.Timeout)
	case p.InitialDelay < 0 || p.MaxDelay < 0:
		return fmt.Errorf("delays must not be negative")
	case p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay:
		return fmt.Errorf("initial delay %s exceeds max delay %s", p.InitialDelay, p.MaxDelay)
	case p.BackoffMultiplier != 0 && p.BackoffMultiplier < 1:
		return fmt.Errorf("backoff multiplier must be >= 1: %g", p.BackoffMultiplier)
	case p.Jitter < 0 || p.Jitter > 1:
		return fmt.Errorf("jitter must be within [0,1]: %g", p.Jitter)
	}

	return nil
}

// Hierarchy resolves the families a kind belongs to, nearest first.
type Hierarchy interface {
	Ancestors(kind string) []string
}

// PolicyRegistry maps kinds to policies. A kind without its own policy
// inherits the policy of its nearest family, then the default.
type PolicyRegistry struct {
	mu        sync.RWMutex
	def       Policy
	byKind    map[string]Policy
	hierarchy Hierarchy
}

// NewPolicyRegistry creates a registry with the given default policy.
func NewPolicyRegistry(def Policy) *PolicyRegistry {
	return &PolicyRegistry{def: def, byKind: make(map[string]Policy)}
}

// WithHierarchy enables family inheritance.
func (r *PolicyRegistry) WithHierarchy(h Hierarchy) *PolicyRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hierarchy = h
	return r
}

// Set registers the policy for kind.
func (r *PolicyRegistry) Set(kind string, p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("policy for %q: %w", kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byKind[kind] = p
	return nil
}

// Default returns the default policy.
func (r *PolicyRegistry) Default() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.def
}

// Lookup returns the explicit or inherited policy for kind.
func (r *PolicyRegistry) Lookup(kind string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.byKind[kind]; ok {
		return p, true
	}

	if r.hierarchy != nil {
		for _, family := range r.hierarchy.Ancestors(kind) {
			if p, ok := r.byKind[family]; ok {
				return p, true
			}
		}
	}

	return Policy{}, false
}

// Resolve returns the policy for kind, falling back to the default.
func (r *PolicyRegistry) Resolve(kind string) Policy {
	if p, ok := r.Lookup(kind); ok {
		return p
	}

	return r.Default()
}
