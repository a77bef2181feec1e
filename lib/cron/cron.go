// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package cron parses 5-field cron expressions for the scheduled
// function workflow. An application registers a function with either a
// fixed interval or a cron expression; this package answers "when does
// this expression next fire" so the scheduler can persist the next-at
// time alongside the registration.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed cron expression. Use Parse, then Next.
type Schedule struct {
	minute  fieldSet
	hour    fieldSet
	day     fieldSet
	month   fieldSet
	weekday fieldSet
}

// fieldSet is a compact set of integers 0-63 backed by a uint64.
type fieldSet uint64

func (s fieldSet) has(v int) bool { return s&(1<<uint(v)) != 0 }
func (s *fieldSet) add(v int)     { *s |= 1 << uint(v) }

// Parse parses a standard 5-field cron expression
// (minute hour day-of-month month day-of-week).
func Parse(expression string) (Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	var schedule Schedule
	specs := []struct {
		name     string
		min, max int
		dest     *fieldSet
	}{
		{"minute", 0, 59, &schedule.minute},
		{"hour", 0, 23, &schedule.hour},
		{"day-of-month", 1, 31, &schedule.day},
		{"month", 1, 12, &schedule.month},
		{"day-of-week", 0, 6, &schedule.weekday},
	}
	for i, spec := range specs {
		set, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return Schedule{}, fmt.Errorf("cron: %s field: %w", spec.name, err)
		}
		*spec.dest = set
	}
	return schedule, nil
}

// Next returns the earliest time strictly after t matching the
// schedule. Computation is in UTC. Returns an error if nothing matches
// within 4 years (an impossible schedule such as Feb 31).
func (s Schedule) Next(t time.Time) (time.Time, error) {
	t = t.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !s.month.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}
		// Wildcard fields parse to all-bits-set, so checking both day
		// constraints with AND behaves correctly whether or not either
		// was restricted.
		if !s.day.has(t.Day()) || !s.weekday.has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !s.hour.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, time.UTC)
			continue
		}
		if !s.minute.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cron: no matching time within 4 years of %s", t.Format(time.RFC3339))
}

// parseField parses one comma-separated field into a set. Each term is
// a wildcard, single value, range, or stepped range/wildcard.
func parseField(field string, minimum, maximum int) (fieldSet, error) {
	var result fieldSet
	for _, term := range strings.Split(field, ",") {
		bits, err := parseTerm(term, minimum, maximum)
		if err != nil {
			return 0, err
		}
		result |= bits
	}
	if result == 0 {
		return 0, fmt.Errorf("field %q produces empty set", field)
	}
	return result, nil
}

// parseTerm parses a single term: *, */N, V, V-V, V-V/N.
func parseTerm(term string, minimum, maximum int) (fieldSet, error) {
	parts := strings.SplitN(term, "/", 2)
	step := 1
	if len(parts) == 2 {
		parsed, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, fmt.Errorf("invalid step %q: %w", parts[1], err)
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("step must be positive, got %d", parsed)
		}
		step = parsed
	}

	var start, end int
	switch expr := parts[0]; {
	case expr == "*":
		start, end = minimum, maximum
	case strings.IndexByte(expr, '-') >= 0:
		dash := strings.IndexByte(expr, '-')
		var err error
		start, err = strconv.Atoi(expr[:dash])
		if err != nil {
			return 0, fmt.Errorf("invalid range start %q: %w", expr[:dash], err)
		}
		end, err = strconv.Atoi(expr[dash+1:])
		if err != nil {
			return 0, fmt.Errorf("invalid range end %q: %w", expr[dash+1:], err)
		}
		if start > end {
			return 0, fmt.Errorf("range start %d > end %d", start, end)
		}
	default:
		value, err := strconv.Atoi(expr)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q: %w", expr, err)
		}
		start, end = value, value
	}

	if start < minimum || end > maximum {
		return 0, fmt.Errorf("value out of range [%d-%d]: got %d-%d", minimum, maximum, start, end)
	}

	var result fieldSet
	for v := start; v <= end; v += step {
		result.add(v)
	}
	return result, nil
}
