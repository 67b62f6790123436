// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cron is a parsed 5-field cron expression. Each field is a bit set of the
// values it allows.
type Cron struct {
	minutes  uint64 // 0-59
	hours    uint64 // 0-23
	dom      uint64 // 1-31
	months   uint64 // 1-12
	dow      uint64 // 0-6, Sunday is 0
	domStar  bool
	dowStar  bool
	original string
}

var cronMacros = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
}

// ParseCron parses "minute hour day-of-month month day-of-week".
//
// Supported syntax: *, n, n-m, lists, */s, n-m/s, n/s and the macros
// @hourly, @daily, @midnight, @weekly and @monthly. Day-of-week 7 is
// Sunday. When both day fields are restricted either may match.
//
// Examples:
//   - "0 */6 * * *" - every six hours
//   - "30 3 * * 1-5" - 03:30 on weekdays
func ParseCron(expr string) (*Cron, error) {
	expr = strings.TrimSpace(expr)
	if m, ok := cronMacros[strings.ToLower(expr)]; ok {
		expr = m
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	c := &Cron{original: expr}
	specs := []struct {
		name     string
		min, max int
		dst      *uint64
	}{
		{"minute", 0, 59, &c.minutes},
		{"hour", 0, 23, &c.hours},
		{"day-of-month", 1, 31, &c.dom},
		{"month", 1, 12, &c.months},
		{"day-of-week", 0, 7, &c.dow},
	}
	for i, s := range specs {
		set, err := parseField(fields[i], s.min, s.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", s.name, err)
		}
		*s.dst = set
	}

	if c.dow&(1<<7) != 0 {
		c.dow = c.dow&^(1<<7) | 1
	}
	// A leading * keeps the field unrestricted even with a step, as in cron(8).
	c.domStar = strings.HasPrefix(fields[2], "*")
	c.dowStar = strings.HasPrefix(fields[4], "*")
	return c, nil
}

// String returns the expression as parsed.
func (c *Cron) String() string { return c.original }

// Next returns the first matching minute strictly after after, evaluated in
// loc (UTC when nil). It returns the zero time if nothing matches within
// five years, which only happens for impossible dates such as "0 0 31 2 *".
func (c *Cron) Next(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := after.In(loc).Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)

	for t.Before(limit) {
		if !has(c.months, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !c.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !has(c.hours, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if !has(c.minutes, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func (c *Cron) dayMatches(t time.Time) bool {
	domMatch := has(c.dom, t.Day())
	dowMatch := has(c.dow, int(t.Weekday()))
	// A field starting with * joins with AND, even when stepped.
	if c.domStar || c.dowStar {
		return domMatch && dowMatch
	}
	return domMatch || dowMatch
}

func has(set uint64, v int) bool {
	return set&(1<<uint(v)) != 0
}

func parseField(field string, minVal, maxVal int) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		bitsOf, err := parsePart(part, minVal, maxVal)
		if err != nil {
			return 0, err
		}
		set |= bitsOf
	}
	if set == 0 {
		return 0, fmt.Errorf("%q matches nothing", field)
	}
	return set, nil
}

func parsePart(part string, minVal, maxVal int) (uint64, error) {
	rangePart, stepPart, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		s, err := strconv.Atoi(stepPart)
		if err != nil || s <= 0 {
			return 0, fmt.Errorf("invalid step value: %s", stepPart)
		}
		step = s
	}

	var lo, hi int
	switch {
	case rangePart == "*":
		lo, hi = minVal, maxVal
	case strings.Contains(rangePart, "-"):
		a, b, _ := strings.Cut(rangePart, "-")
		var err error
		if lo, err = strconv.Atoi(a); err != nil {
			return 0, fmt.Errorf("invalid range start: %s", a)
		}
		if hi, err = strconv.Atoi(b); err != nil {
			return 0, fmt.Errorf("invalid range end: %s", b)
		}
	default:
		v, err := strconv.Atoi(rangePart)
		if err != nil {
			return 0, fmt.Errorf("invalid value: %s", rangePart)
		}
		lo, hi = v, v
		if hasStep {
			hi = maxVal
		}
	}
	if lo > hi || lo < minVal || hi > maxVal {
		return 0, fmt.Errorf("value out of range: %s (allowed %d-%d)", rangePart, minVal, maxVal)
	}

	var set uint64
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}

// NextCronRun parses expr and returns its next run after after in the
// named timezone ("" means UTC).
func NextCronRun(expr string, after time.Time, timezone string) (time.Time, error) {
	c, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := LoadLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}
	return c.Next(after, loc), nil
}

// LoadLocation resolves a timezone name; "" is UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
