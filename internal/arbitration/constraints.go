package arbitration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ShayCichocki/arbiter/pkg/models"
)

// durationText matches one duration such as "4h30m", "6h" or "90 min".
const durationText = `\d+h\d+m|\d+(?:\.\d+)?\s*(?:hours?|hrs?|h|minutes?|mins?|m)\b`

var (
	compoundPattern = regexp.MustCompile(`\b\d+h\d+m\b`)
	durationPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(hours?|hrs?|h|minutes?|mins?|m)\b`)
	noGoPattern     = regexp.MustCompile(`(?i)\b(no[- ]?go|grounded|must not (?:operate|depart|fly)|cannot (?:operate|depart|fly)|prohibited)\b`)
	maxPattern      = regexp.MustCompile(`(?i)\b(max(?:imum)?|at most|no more than|not (?:to )?exceed|up to|within)\b`)
	minPattern      = regexp.MustCompile(`(?i)\b(min(?:imum)?|at least|no less than|not before|no earlier than)\b`)
	subjectPattern  = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9 _-]{0,40}?)\s*:`)

	clauseSeparator = regexp.MustCompile(`(?i)\s*(?:[,;]|\band\b)\s*`)
	rangePattern    = regexp.MustCompile(`(?i)\bbetween\s+(` + durationText + `)\s+and\s+(` + durationText + `)`)

	// A prohibition bounded in time: "must not depart before 6h" is a floor,
	// "cannot operate after 14h" a ceiling.
	earlyPattern = regexp.MustCompile(`(?i)\b(before|until|till|within|for|next|earlier than|sooner than)\b`)
	latePattern  = regexp.MustCompile(`(?i)\b(after|beyond|later than)\b`)
)

// ParseConstraints splits a safety worker's constraint text into clauses on
// commas, semicolons and "and", and parses every clause, so that
// "crew duty max 14h, min rest 10h" yields both bounds. "between 4h and 6h"
// is a minimum and a maximum. A leading "subject:" carries over to later
// clauses that name none. Text with no binding clause is one advisory.
func ParseConstraints(worker, raw string) []models.Constraint {
	text := rangePattern.ReplaceAllString(raw, "at least ${1}; at most ${2}")
	var clauses []string
	for _, part := range clauseSeparator.Split(text, -1) {
		if part = strings.TrimSpace(part); part != "" {
			clauses = append(clauses, part)
		}
	}
	if len(clauses) <= 1 && text == raw {
		return []models.Constraint{ParseConstraint(worker, raw)}
	}

	subject := subjectOf(raw)
	out := make([]models.Constraint, 0, len(clauses))
	binding := false
	for _, clause := range clauses {
		c := ParseConstraint(worker, clause)
		if !subjectPattern.MatchString(clause) {
			c.Subject = subject
		}
		if c.Kind != models.ConstraintAdvisory {
			binding = true
		}
		out = append(out, c)
	}
	if !binding {
		return []models.Constraint{{Worker: worker, Raw: raw, Subject: subject, Kind: models.ConstraintAdvisory}}
	}
	return out
}

// ParseConstraint turns a single constraint clause into structured form. A
// leading "subject:" names what the constraint is about. A bare duration is
// read as a minimum delay; text with no duration and no prohibition is
// advisory.
func ParseConstraint(worker, raw string) models.Constraint {
	c := models.Constraint{Worker: worker, Raw: raw, Subject: subjectOf(raw)}

	d, start, end, ok := findDuration(raw)
	// Match keywords with the duration removed so "90 min" is not read as "minimum".
	rest := raw
	if ok {
		rest = raw[:start] + " " + raw[end:]
	}

	if noGoPattern.MatchString(raw) {
		switch {
		case ok && latePattern.MatchString(rest):
			c.Kind, c.Value = models.ConstraintMax, d
		case ok && earlyPattern.MatchString(rest):
			c.Kind, c.Value = models.ConstraintMin, d
		default:
			c.Kind = models.ConstraintNoGo
		}
		return c
	}

	if !ok {
		c.Kind = models.ConstraintAdvisory
		return c
	}
	c.Value = d
	switch {
	case maxPattern.MatchString(rest):
		c.Kind = models.ConstraintMax
	default:
		c.Kind = models.ConstraintMin
	}
	return c
}

// ParseDelay reads a delay such as "4h", "90 minutes" or "2.5 hours".
func ParseDelay(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, d >= 0
	}
	d, _, _, ok := findDuration(s)
	return d, ok
}

func findDuration(s string) (d time.Duration, start, end int, ok bool) {
	if loc := compoundPattern.FindStringIndex(s); loc != nil {
		if d, err := time.ParseDuration(s[loc[0]:loc[1]]); err == nil {
			return d, loc[0], loc[1], true
		}
	}
	loc := durationPattern.FindStringSubmatchIndex(s)
	if loc == nil {
		return 0, 0, 0, false
	}
	d, ok = parseDuration(s[loc[2]:loc[3]], s[loc[4]:loc[5]])
	return d, loc[0], loc[1], ok
}

func parseDuration(num, unit string) (time.Duration, bool) {
	v, err := strconv.ParseFloat(num, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	switch u := strings.ToLower(unit); {
	case strings.HasPrefix(u, "h"):
		return time.Duration(v * float64(time.Hour)), true
	case strings.HasPrefix(u, "m"):
		return time.Duration(v * float64(time.Minute)), true
	}
	return 0, false
}

// DefaultSubject groups constraints that name no subject of their own.
const DefaultSubject = "delay"

func subjectOf(raw string) string {
	m := subjectPattern.FindStringSubmatch(raw)
	if m == nil || minPattern.MatchString(m[1]) || maxPattern.MatchString(m[1]) || noGoPattern.MatchString(m[1]) {
		return DefaultSubject
	}
	s := strings.ToLower(strings.TrimSpace(m[1]))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

// Bounds is the effective delay window after combining every constraint.
type Bounds struct {
	Floor      time.Duration
	Ceiling    time.Duration
	HasCeiling bool
	NoGo       bool
	Advisories []string
}

// Feasible reports whether any delay satisfies every constraint.
func (b Bounds) Feasible() bool {
	return !b.NoGo && (!b.HasCeiling || b.Floor <= b.Ceiling)
}

// Allows reports whether delaying by d satisfies the bounds.
func (b Bounds) Allows(d time.Duration) bool {
	return b.Feasible() && d >= b.Floor && (!b.HasCeiling || d <= b.Ceiling)
}

// combine takes the most conservative value per kind: the largest minimum
// and the smallest maximum.
func combine(constraints []models.Constraint) Bounds {
	var b Bounds
	for _, c := range constraints {
		switch c.Kind {
		case models.ConstraintNoGo:
			b.NoGo = true
		case models.ConstraintMin:
			if c.Value > b.Floor {
				b.Floor = c.Value
			}
		case models.ConstraintMax:
			if !b.HasCeiling || c.Value < b.Ceiling {
				b.Ceiling = c.Value
				b.HasCeiling = true
			}
		case models.ConstraintAdvisory:
			b.Advisories = append(b.Advisories, c.Raw)
		}
	}
	return b
}

// FormatDelay renders a delay compactly: 6h, 4h30m, 45m.
func FormatDelay(d time.Duration) string {
	if d <= 0 {
		return "0m"
	}
	d = d.Round(time.Minute)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	switch {
	case h == 0:
		return fmt.Sprintf("%dm", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dh%dm", h, m)
	}
}
