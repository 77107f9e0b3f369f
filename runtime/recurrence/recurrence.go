// Package recurrence rolls recurring series forward. It answers one
// question: given a series' RFC-5545 rules and the one-off exception
// instances already materialized for it, what is the first occurrence
// strictly after a given instant?
//
// An exception instance excludes the series occurrence it replaced. The
// excluded instant is the exception's date combined with the series' current
// time-of-day in the series' timezone, which is how calendar backends encode
// "this Wednesday moved to Thursday".
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// NextAfter returns the first occurrence strictly after now.
//
// rules are RRULE lines, with or without the "RRULE:" prefix; anchor is the
// series' original start (the DTSTART every rule is evaluated against);
// start supplies the time-of-day and timezone that excluded instances
// inherit; exceptionStarts are the current start times of the series'
// exception instances. The boolean is false when the series is exhausted.
func NextAfter(rules []string, anchor, start time.Time, exceptionStarts []time.Time, now time.Time) (time.Time, bool, error) {
	rrs, err := parse(rules, anchor)
	if err != nil {
		return time.Time{}, false, err
	}

	excluded := make(map[int64]struct{}, len(exceptionStarts))
	for _, ex := range exceptionStarts {
		excluded[exclusionInstant(ex, start).Unix()] = struct{}{}
	}

	var next time.Time
	for _, rr := range rrs {
		occ := now
		// Each exclusion can skip at most one occurrence, so the walk is
		// bounded even on infinite rules.
		for range len(exceptionStarts) + 1 {
			occ = rr.After(occ, false)
			if occ.IsZero() {
				break
			}
			if _, skip := excluded[occ.Unix()]; !skip {
				break
			}
		}
		if occ.IsZero() {
			continue
		}
		if next.IsZero() || occ.Before(next) {
			next = occ
		}
	}
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// parse builds one rule per RRULE line, anchored at anchor.
func parse(rules []string, anchor time.Time) ([]*rrule.RRule, error) {
	rrs := make([]*rrule.RRule, 0, len(rules))
	for _, line := range rules {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		opt, err := rrule.StrToROption(strings.TrimPrefix(line, "RRULE:"))
		if err != nil {
			return nil, fmt.Errorf("parse rrule %q: %w", line, err)
		}
		opt.Dtstart = anchor
		rr, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, fmt.Errorf("build rrule %q: %w", line, err)
		}
		rrs = append(rrs, rr)
	}
	return rrs, nil
}

// exclusionInstant is the series occurrence an exception instance replaced:
// the exception's date at the series' clock time in the series' zone.
func exclusionInstant(exStart, seriesStart time.Time) time.Time {
	y, m, d := exStart.Date()
	hh, mm, ss := seriesStart.Clock()
	return time.Date(y, m, d, hh, mm, ss, 0, seriesStart.Location())
}
