package instrument

import "strings"

// FunctionMatcher decides whether a function takes part in instrumentation.
// It receives the function's resolved name.
type FunctionMatcher interface {
	MatchFunction(name string) bool
}

// FunctionNameMatcher matches functions by exact name.
type FunctionNameMatcher struct {
	names map[string]bool
}

// NewFunctionNameMatcher creates a matcher from a list of function names.
func NewFunctionNameMatcher(names []string) *FunctionNameMatcher {
	m := &FunctionNameMatcher{names: make(map[string]bool, len(names))}
	for _, n := range names {
		m.names[n] = true
	}
	return m
}

// MatchFunction returns true if the function name matches.
func (m *FunctionNameMatcher) MatchFunction(name string) bool {
	return m.names[name]
}

// FunctionPrefixMatcher matches functions by name prefix.
type FunctionPrefixMatcher struct {
	prefixes []string
}

// NewFunctionPrefixMatcher creates a matcher that matches functions starting with any prefix.
func NewFunctionPrefixMatcher(prefixes []string) *FunctionPrefixMatcher {
	return &FunctionPrefixMatcher{prefixes: prefixes}
}

// MatchFunction returns true if the function name starts with any prefix.
func (m *FunctionPrefixMatcher) MatchFunction(name string) bool {
	for _, p := range m.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// CompositeFunctionMatcher matches if any sub-matcher matches.
type CompositeFunctionMatcher struct {
	matchers []FunctionMatcher
}

// NewCompositeFunctionMatcher combines matchers.
func NewCompositeFunctionMatcher(matchers ...FunctionMatcher) *CompositeFunctionMatcher {
	return &CompositeFunctionMatcher{matchers: matchers}
}

// MatchFunction returns true if any sub-matcher matches.
func (m *CompositeFunctionMatcher) MatchFunction(name string) bool {
	for _, matcher := range m.matchers {
		if matcher.MatchFunction(name) {
			return true
		}
	}
	return false
}

// ParsePatterns builds a matcher from command-line style patterns. A
// pattern ending in "*" matches by prefix, anything else by exact name. It
// returns nil for an empty list.
func ParsePatterns(patterns []string) FunctionMatcher {
	var names, prefixes []string
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
		case strings.HasSuffix(p, "*"):
			prefixes = append(prefixes, strings.TrimSuffix(p, "*"))
		default:
			names = append(names, p)
		}
	}
	switch {
	case len(names) == 0 && len(prefixes) == 0:
		return nil
	case len(prefixes) == 0:
		return NewFunctionNameMatcher(names)
	case len(names) == 0:
		return NewFunctionPrefixMatcher(prefixes)
	}
	return NewCompositeFunctionMatcher(NewFunctionNameMatcher(names), NewFunctionPrefixMatcher(prefixes))
}
