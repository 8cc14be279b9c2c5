// Package trigger parses cron expressions and computes fire times.
//
// Expressions use the seconds-first layout:
//
//	second minute hour day-of-month month day-of-week [year]
//
// Lists, ranges, steps, wildcards, '?' on the day fields, month/weekday names and the
// @yearly/@monthly/@weekly/@daily/@hourly descriptors are accepted. Evaluation is delegated
// to supercronic's cronexpr; this package adds the layout normalization, error positions
// and previous fire time lookup.
//
// Day-of-week numbers run 0-6 with Sunday = 0, unlike Quartz where 1 is Sunday: "? * 1"
// fires on Mondays here and "6#3" is the third Saturday. Weekday names (SUN, MON, ...)
// mean the same in both.
package trigger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aptible/supercronic/cronexpr"
	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

var (
	ErrEmpty         = errors.New("empty expression")
	ErrMissingFields = errors.New("missing fields (seconds through day-of-week are required)")
	ErrTooManyFields = errors.New("too many fields")
)

var fieldNames = [...]string{"second", "minute", "hour", "day-of-month", "month", "day-of-week", "year"}

// Filler values used when a single field is checked in isolation.
var isolatedDefaults = [...]string{"0", "0", "0", "*", "*", "?", "*"}

// minYear is the lower bound of the evaluator's year range.
const minYear = 1970

// ParseError reports an invalid cron expression.
// Pos is the byte offset of the offending field within Expr.
type ParseError struct {
	Expr  string
	Pos   int
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("cron: invalid %s field at position %d in %q: %v", e.Field, e.Pos, e.Expr, e.Err)
	}
	return fmt.Sprintf("cron: invalid expression at position %d in %q: %v", e.Pos, e.Expr, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Trigger is a parsed cron expression. It is safe for concurrent use.
type Trigger struct {
	expr string
	loc  *time.Location

	// cronexpr.Expression.Next mutates scratch state, so every call goes through mu.
	mu       sync.Mutex
	compiled *cronexpr.Expression
}

var _ cron.Schedule = (*Trigger)(nil)

// Parse parses expr in the local time zone.
func Parse(expr string) (*Trigger, error) {
	return ParseInLocation(expr, time.Local)
}

// ParseInLocation parses expr; fire times are computed in loc.
func ParseInLocation(expr string, loc *time.Location) (*Trigger, error) {
	if loc == nil {
		loc = time.Local
	}
	normalized, spans, err := normalize(expr)
	if err != nil {
		return nil, err
	}
	compiled, err := cronexpr.Parse(normalized)
	if err != nil {
		return nil, locate(expr, spans, err)
	}
	return &Trigger{expr: expr, loc: loc, compiled: compiled}, nil
}

// Validate reports whether expr parses, without keeping the result.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

func (t *Trigger) Expression() string { return t.expr }

func (t *Trigger) Location() *time.Location { return t.loc }

func (t *Trigger) String() string { return t.expr }

// Next returns the first fire time strictly after after, or the zero time if none exists.
func (t *Trigger) Next(after time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compiled.Next(after.In(t.loc))
}

// NextN returns up to n consecutive fire times after after.
func (t *Trigger) NextN(after time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Time, 0, n)
	cur := after.In(t.loc)
	for i := 0; i < n; i++ {
		cur = t.compiled.Next(cur)
		if cur.IsZero() {
			break
		}
		out = append(out, cur)
	}
	return out
}

// Prev returns the last fire time strictly before before, or the zero time if none exists.
//
// The evaluator only walks forward, so Prev scans a window ending at before and doubles it
// until a fire time shows up or the window reaches the evaluator's minimum year. Each
// doubling only revisits fire times from the part of the window that was already empty.
func (t *Trigger) Prev(before time.Time) time.Time {
	b := before.In(t.loc)
	floor := time.Date(minYear, time.January, 1, 0, 0, 0, 0, t.loc)
	if !b.After(floor) {
		return time.Time{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	window := time.Minute
	for {
		start := b.Add(-window)
		if start.Before(floor) {
			start = floor
		}
		var last time.Time
		// Next is exclusive; step back a tick so a fire exactly at start is included.
		for n := t.compiled.Next(start.Add(-time.Nanosecond)); !n.IsZero() && n.Before(b); n = t.compiled.Next(n) {
			last = n
		}
		if !last.IsZero() {
			return last
		}
		if !start.After(floor) {
			return time.Time{}
		}
		window *= 2
	}
}

type span struct {
	pos  int
	text string
}

// fields splits expr on whitespace and keeps each field's byte offset.
func fields(expr string) []span {
	var out []span
	start := -1
	for i, r := range expr {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if start >= 0 {
				out = append(out, span{pos: start, text: expr[start:i]})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, span{pos: start, text: expr[start:]})
	}
	return out
}

// normalize converts the seconds-first layout into the evaluator's 7-field layout.
// The evaluator reads 6 fields as minute..year, so a 6-field input gets a wildcard year.
func normalize(expr string) (string, []span, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return "", nil, &ParseError{Expr: expr, Pos: 0, Err: ErrEmpty}
	}
	if strings.HasPrefix(trimmed, "@") {
		return trimmed, nil, nil
	}
	spans := fields(expr)
	switch {
	case len(spans) < 6:
		return "", spans, &ParseError{Expr: expr, Pos: len(expr), Err: ErrMissingFields}
	case len(spans) > 7:
		return "", spans, &ParseError{Expr: expr, Pos: spans[7].pos, Err: ErrTooManyFields}
	}
	parts := make([]string, 0, 7)
	for _, s := range spans {
		parts = append(parts, s.text)
	}
	if len(parts) == 6 {
		parts = append(parts, "*")
	}
	return strings.Join(parts, " "), spans, nil
}

// locate finds the first field that fails on its own and reports its position.
func locate(expr string, spans []span, cause error) error {
	if len(spans) == 0 {
		return &ParseError{Expr: expr, Pos: 0, Err: cause}
	}
	for i, s := range spans {
		fill := isolatedDefaults
		fill[i] = s.text
		if _, err := cronexpr.Parse(strings.Join(fill[:], " ")); err != nil {
			return &ParseError{Expr: expr, Pos: s.pos, Field: fieldNames[i], Err: err}
		}
	}
	return &ParseError{Expr: expr, Pos: spans[0].pos, Err: cause}
}
