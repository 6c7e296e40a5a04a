// Package highlight defines the pluggable interface the ingestion job
// chain uses to extract noteworthy excerpts from task logs and artifacts
// (spec section 4.4's ingest-task-logs/ingest-task-artifacts jobs). The
// actual pattern library (what counts as a compiler error, a sanitizer
// report, a core dump marker) is explicitly out of scope (spec section 1,
// "the log-highlight pattern library"); this package only fixes the shape
// a matcher must have so the ingestion jobs can be written and tested
// against it.
package highlight

import "github.com/macdice/cfbot/internal/model"

// Match is one excerpt a Matcher found in a named source (a command's log,
// or an artifact path).
type Match struct {
	Type    model.HighlightType
	Excerpt string
}

// Matcher extracts highlight-worthy excerpts from a chunk of log or
// artifact text. Implementations are configuration, not code: see spec
// section 1's non-goal list.
type Matcher interface {
	Match(source string, body []byte) []Match
}

// NullMatcher is a Matcher that never matches anything, used where no
// pattern library is configured so the ingestion pipeline still runs
// end-to-end without a highlight subsystem plugged in.
type NullMatcher struct{}

// Match implements Matcher.
func (NullMatcher) Match(source string, body []byte) []Match { return nil }
