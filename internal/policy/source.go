package policy

import (
	"sync"

	"github.com/ddm-net/ddm/internal/ddmerrors"
)

// StaticSource is an in-memory PolicySource, grounded on the teacher's
// map+mutex store pattern (pkg/storage/memory). It is the policy source
// a namespace authority runs directly, and is also useful in tests.
type StaticSource struct {
	mu    sync.RWMutex
	rules map[string][]Rule
}

// NewStaticSource builds an empty StaticSource.
func NewStaticSource() *StaticSource {
	return &StaticSource{rules: make(map[string][]Rule)}
}

// Set replaces the rule set published for namespace.
func (s *StaticSource) Set(namespace string, rules []Rule) error {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[namespace] = append([]Rule(nil), rules...)
	return nil
}

// Add appends rules to namespace's existing set.
func (s *StaticSource) Add(namespace string, rules ...Rule) error {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[namespace] = append(s.rules[namespace], rules...)
	return nil
}

// RulesFor implements PolicySource.
func (s *StaticSource) RulesFor(namespace string) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules, ok := s.rules[namespace]
	if !ok {
		return nil, ddmerrors.New(ddmerrors.UnknownNamespace, "no policy source registered for namespace").
			WithDetails("namespace", namespace)
	}
	return append([]Rule(nil), rules...), nil
}

// MultiSource resolves a namespace to whichever registered PolicySource
// claims it, letting each namespace authority run its own source while
// the evaluator keeps a single view across all of them — mirrors §4.2's
// "the registry replica is consulted to discover the policy source for
// each namespace".
type MultiSource struct {
	mu     sync.RWMutex
	byNS   map[string]PolicySource
	lookup func(namespace string) (PolicySource, error)
}

// NewMultiSource builds a MultiSource that falls back to lookup (e.g.
// backed by the registry replica) when a namespace has no explicitly
// registered source.
func NewMultiSource(lookup func(namespace string) (PolicySource, error)) *MultiSource {
	return &MultiSource{byNS: make(map[string]PolicySource), lookup: lookup}
}

// Register pins namespace to an explicit PolicySource, bypassing lookup.
func (m *MultiSource) Register(namespace string, src PolicySource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byNS[namespace] = src
}

// RulesFor implements PolicySource.
func (m *MultiSource) RulesFor(namespace string) ([]Rule, error) {
	m.mu.RLock()
	src, ok := m.byNS[namespace]
	m.mu.RUnlock()
	if ok {
		return src.RulesFor(namespace)
	}
	if m.lookup == nil {
		return nil, ddmerrors.New(ddmerrors.UnknownNamespace, "no policy source for namespace").
			WithDetails("namespace", namespace)
	}
	resolved, err := m.lookup(namespace)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.byNS[namespace] = resolved
	m.mu.Unlock()
	return resolved.RulesFor(namespace)
}
