package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/sqlwarden/pkg/observability"
)

const (
	DefaultPatternCacheSize = 1024
	DefaultPatternCacheTTL  = 30 * time.Minute
)

// Matcher matches database and table names against rule patterns:
//
//	*        matches everything
//	/expr/   case-insensitive regular expression, unanchored
//	a*b      glob, anchored and case-insensitive
//	name     case-insensitive exact match
//
// Compiled expressions are kept in an expirable LRU. A nil entry marks an
// expression that failed to compile.
type Matcher struct {
	compiled *lru.LRU[string, *regexp.Regexp]
	metrics  *observability.Metrics
}

// NewMatcher creates a matcher caching up to size compiled patterns for ttl.
func NewMatcher(size int, ttl time.Duration, metrics *observability.Metrics) *Matcher {
	if size <= 0 {
		size = DefaultPatternCacheSize
	}
	return &Matcher{
		compiled: lru.NewLRU[string, *regexp.Regexp](size, nil, ttl),
		metrics:  metrics,
	}
}

func isRegexPattern(pattern string) bool {
	return len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/")
}

// Match reports whether name matches pattern.
func (m *Matcher) Match(pattern, name string) bool {
	switch {
	case pattern == "*":
		return true
	case isRegexPattern(pattern), strings.Contains(pattern, "*"):
		re := m.compiledFor(pattern)
		return re != nil && re.MatchString(name)
	default:
		return strings.EqualFold(pattern, name)
	}
}

func (m *Matcher) compiledFor(pattern string) *regexp.Regexp {
	if re, ok := m.compiled.Get(pattern); ok {
		m.metrics.ObserveCache("pattern", true)
		return re
	}
	m.metrics.ObserveCache("pattern", false)

	re, err := compilePattern(pattern)
	if err != nil {
		re = nil
	}
	m.compiled.Add(pattern, re)
	return re
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if isRegexPattern(pattern) {
		return regexp.Compile("(?i)" + pattern[1:len(pattern)-1])
	}
	expr := strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*")
	return regexp.Compile("(?i)^" + expr + "$")
}

// ValidatePattern rejects empty patterns and regular expressions that do not
// compile.
func ValidatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("%w: pattern is empty", ErrInvalidPattern)
	}
	if isRegexPattern(pattern) {
		if _, err := compilePattern(pattern); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPattern, pattern, err)
		}
	}
	return nil
}
