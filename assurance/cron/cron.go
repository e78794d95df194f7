// Package cron parses standard 5-field cron expressions and computes the
// next execution time. The sweeper uses it to pace its passes.
package cron

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-assurance/assurance/assert"
)

// ErrInvalidExpression is returned when a cron expression cannot be parsed
// due to incorrect field count, out-of-range values, or malformed syntax.
var ErrInvalidExpression = errors.New("invalid cron expression")

// ErrNoMatch is returned when Next exhausts its iteration limit without
// finding a time that satisfies all cron fields.
var ErrNoMatch = errors.New("cron: no matching time found within iteration limit")

// ErrNilSchedule is returned when Next is called on a nil schedule receiver.
var ErrNilSchedule = errors.New("cron schedule is nil")

const (
	cronFieldCount = 5
	splitParts     = 2
)

// Schedule represents a parsed cron schedule capable of computing
// the next execution time after a given reference time.
type Schedule interface {
	Next(time.Time) (time.Time, error)
}

// fieldSet holds one cron field as a bitmask: bit v set means value v matches.
// The widest field (minutes, 0-59) fits in a uint64.
type fieldSet uint64

func (f fieldSet) has(v int) bool {
	return f&(1<<uint(v)) != 0
}

type schedule struct {
	minutes fieldSet // bits 0-59
	hours   fieldSet // bits 0-23
	doms    fieldSet // bits 1-31
	months  fieldSet // bits 1-12
	dows    fieldSet // bits 0-6, Sunday = 0
}

// Parse parses a standard 5-field cron expression and returns a Schedule
// that can compute the next execution time. The expression format is:
// minute hour day-of-month month day-of-week
// Returns ErrInvalidExpression if the expression is malformed or contains out-of-range values.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}

	fields := strings.Fields(expr)
	if len(fields) != cronFieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidExpression, cronFieldCount, len(fields))
	}

	minutes, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}

	hours, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("invalid hour field: %w", err)
	}

	doms, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-month field: %w", err)
	}

	months, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("invalid month field: %w", err)
	}

	dows, err := parseField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-week field: %w", err)
	}

	return &schedule{
		minutes: minutes,
		hours:   hours,
		doms:    doms,
		months:  months,
		dows:    dows,
	}, nil
}

// Next computes the next execution time strictly after the given reference
// time, in UTC. It walks forward field by field (month, day, hour, minute),
// skipping whole units that cannot match. Returns ErrNoMatch when no time in
// roughly the next year satisfies the expression.
func (sched *schedule) Next(from time.Time) (time.Time, error) {
	if sched == nil {
		asserter := assert.New(context.Background(), nil, "cron", "Next")
		_ = asserter.NoError(context.Background(), ErrNilSchedule, "cannot calculate next run from nil schedule")

		return time.Time{}, ErrNilSchedule
	}

	from = from.UTC()
	candidate := from.Add(time.Minute).Truncate(time.Minute)

	const maxIterations = 366 * 24 * 60
	for i := 0; i < maxIterations; i++ {
		if !sched.months.has(int(candidate.Month())) {
			candidate = time.Date(candidate.Year(), candidate.Month()+1, 1, 0, 0, 0, 0, time.UTC)

			continue
		}

		if !sched.doms.has(candidate.Day()) || !sched.dows.has(int(candidate.Weekday())) {
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, 0, 0, 0, 0, time.UTC)

			continue
		}

		if !sched.hours.has(candidate.Hour()) {
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), candidate.Hour()+1, 0, 0, 0, time.UTC)

			continue
		}

		if !sched.minutes.has(candidate.Minute()) {
			candidate = candidate.Add(time.Minute)

			continue
		}

		return candidate, nil
	}

	return time.Time{}, ErrNoMatch
}

// parseField parses one comma-separated cron field into a bitmask.
func parseField(field string, minVal, maxVal int) (fieldSet, error) {
	var set fieldSet

	for _, part := range strings.Split(field, ",") {
		partSet, err := parsePart(part, minVal, maxVal)
		if err != nil {
			return 0, err
		}

		set |= partSet
	}

	return set, nil
}

// parsePart handles a single list element: "*", "N", "lo-hi", each with an
// optional "/step" suffix. A stepped single value "N/step" means N..max.
func parsePart(part string, minVal, maxVal int) (fieldSet, error) {
	rangePart, stepPart, hasStep := strings.Cut(part, "/")

	step := 1

	if hasStep {
		parsed, err := strconv.Atoi(stepPart)
		if err != nil || parsed <= 0 {
			return 0, fmt.Errorf("%w: invalid step %q", ErrInvalidExpression, stepPart)
		}

		step = parsed
	}

	rangeStart, rangeEnd := minVal, maxVal

	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		bounds := strings.SplitN(rangePart, "-", splitParts)

		lo, err := strconv.Atoi(bounds[0])
		if err != nil {
			return 0, fmt.Errorf("%w: invalid range start %q", ErrInvalidExpression, bounds[0])
		}

		hi, err := strconv.Atoi(bounds[1])
		if err != nil {
			return 0, fmt.Errorf("%w: invalid range end %q", ErrInvalidExpression, bounds[1])
		}

		if lo < minVal || hi > maxVal || lo > hi {
			return 0, fmt.Errorf("%w: range %d-%d out of bounds [%d, %d]", ErrInvalidExpression, lo, hi, minVal, maxVal)
		}

		rangeStart, rangeEnd = lo, hi
	default:
		val, err := strconv.Atoi(rangePart)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid value %q", ErrInvalidExpression, rangePart)
		}

		if val < minVal || val > maxVal {
			return 0, fmt.Errorf("%w: value %d out of bounds [%d, %d]", ErrInvalidExpression, val, minVal, maxVal)
		}

		if !hasStep {
			return 1 << uint(val), nil
		}

		rangeStart = val
	}

	var set fieldSet
	for v := rangeStart; v <= rangeEnd; v += step {
		set |= 1 << uint(v)
	}

	return set, nil
}
