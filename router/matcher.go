package router

import (
	"net/mail"
	"regexp"
	"strconv"
	"sync"
)

// Matcher validates and extracts a typed value from a single path segment.
// Routes reference a matcher by kind using the ":name<kind>" syntax; a bare
// ":name" implies the "any" kind.
type Matcher struct {
	Kind    string
	Match   func(segment string) bool
	Extract func(segment string) any
}

var (
	uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	alphaPattern = regexp.MustCompile(`^[A-Za-z]+$`)
)

func builtinMatchers() map[string]*Matcher {
	return map[string]*Matcher{
		"any": {
			Kind:    "any",
			Match:   func(string) bool { return true },
			Extract: func(s string) any { return s },
		},
		"id": {
			Kind: "id",
			Match: func(s string) bool {
				_, err := strconv.ParseInt(s, 10, 64)
				return err == nil
			},
			Extract: func(s string) any {
				n, _ := strconv.ParseInt(s, 10, 64)
				return n
			},
		},
		"uuid": {
			Kind:    "uuid",
			Match:   uuidPattern.MatchString,
			Extract: func(s string) any { return s },
		},
		"slug": {
			Kind:    "slug",
			Match:   slugPattern.MatchString,
			Extract: func(s string) any { return s },
		},
		"email": {
			Kind: "email",
			Match: func(s string) bool {
				_, err := mail.ParseAddress(s)
				return err == nil
			},
			Extract: func(s string) any { return s },
		},
		"alpha": {
			Kind:    "alpha",
			Match:   alphaPattern.MatchString,
			Extract: func(s string) any { return s },
		},
	}
}

// MatcherRegistry holds the built-in parameter kinds plus any the caller
// registers. It is safe for concurrent use; registration is expected at
// startup but is not restricted to it.
type MatcherRegistry struct {
	mu       sync.RWMutex
	matchers map[string]*Matcher
}

// NewMatcherRegistry returns a registry pre-seeded with the built-in kinds:
// id, uuid, slug, email, alpha, any.
func NewMatcherRegistry() *MatcherRegistry {
	return &MatcherRegistry{matchers: builtinMatchers()}
}

// Register adds or replaces a named parameter kind.
func (r *MatcherRegistry) Register(kind string, m *Matcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matchers[kind] = m
}

// Lookup returns the matcher for kind, and whether it is known.
func (r *MatcherRegistry) Lookup(kind string) (*Matcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matchers[kind]
	return m, ok
}
