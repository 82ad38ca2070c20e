package credits

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var placeholderPattern = regexp.MustCompile(`\{[a-zA-Z_][a-zA-Z0-9_]*\}`)

type costMatcher struct {
	rule    CostRule
	matcher *regexp.Regexp
}

// CostTable resolves request paths to credit costs. Rules are compiled into
// matchers once at load time; Resolve returns the cost of the first matching
// rule in (priority desc, stored order), or zero when no rule matches.
type CostTable struct {
	mu       sync.RWMutex
	matchers []costMatcher
}

// NewCostTable compiles the given rules. Inactive rules are skipped; an
// uncompilable pattern fails the whole load.
func NewCostTable(rules []CostRule) (*CostTable, error) {
	table := &CostTable{}
	if err := table.Replace(rules); err != nil {
		return nil, err
	}
	return table, nil
}

// Replace swaps in a freshly compiled rule set. Safe to call while Resolve
// runs concurrently.
func (table *CostTable) Replace(rules []CostRule) error {
	matchers := make([]costMatcher, 0, len(rules))
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if rule.Cost < 0 {
			return fmt.Errorf("%w: negative cost for pattern %q", ErrInvalidCostRule, rule.PathPattern)
		}
		matcher, err := compilePattern(rule.PathPattern)
		if err != nil {
			return err
		}
		matchers = append(matchers, costMatcher{rule: rule, matcher: matcher})
	}
	// Higher priority wins; equal priorities keep stored order.
	sort.SliceStable(matchers, func(left, right int) bool {
		return matchers[left].rule.Priority > matchers[right].rule.Priority
	})
	table.mu.Lock()
	table.matchers = matchers
	table.mu.Unlock()
	return nil
}

// Resolve returns the credit cost for path, or zero when the path is free.
func (table *CostTable) Resolve(path string) Credits {
	table.mu.RLock()
	defer table.mu.RUnlock()
	for _, candidate := range table.matchers {
		if candidate.matcher.MatchString(path) {
			return candidate.rule.Cost
		}
	}
	return 0
}

// Rules returns the compiled rules in resolution order.
func (table *CostTable) Rules() []CostRule {
	table.mu.RLock()
	defer table.mu.RUnlock()
	rules := make([]CostRule, 0, len(table.matchers))
	for _, candidate := range table.matchers {
		rules = append(rules, candidate.rule)
	}
	return rules
}

// compilePattern turns a path template into an anchored matcher: literal
// segments match literally, each {name} placeholder matches one or more
// non-separator characters.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	trimmed := strings.TrimSpace(pattern)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty path pattern", ErrInvalidCostRule)
	}
	var builder strings.Builder
	builder.WriteString("^")
	last := 0
	for _, span := range placeholderPattern.FindAllStringIndex(trimmed, -1) {
		builder.WriteString(regexp.QuoteMeta(trimmed[last:span[0]]))
		builder.WriteString("[^/]+")
		last = span[1]
	}
	builder.WriteString(regexp.QuoteMeta(trimmed[last:]))
	builder.WriteString("$")
	matcher, err := regexp.Compile(builder.String())
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidCostRule, pattern, err)
	}
	return matcher, nil
}
