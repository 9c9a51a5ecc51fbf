package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule computes fire times.
type Schedule interface {
	// Next returns the first fire time strictly after t.
	Next(t time.Time) time.Time
}

// Parse parses a schedule expression: a five-field cron line or one of the
// shorthands @hourly, @daily, @every DURATION.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "":
		return nil, fmt.Errorf("empty schedule expression")
	case expr == "@hourly":
		return parseCron("0 * * * *")
	case expr == "@daily":
		return parseCron("0 0 * * *")
	case strings.HasPrefix(expr, "@every "):
		d, err := time.ParseDuration(strings.TrimPrefix(expr, "@every "))
		if err != nil {
			return nil, fmt.Errorf("invalid @every duration: %w", err)
		}
		if d < time.Second {
			return nil, fmt.Errorf("@every interval %s is below one second", d)
		}
		return intervalSchedule{interval: d}, nil
	case strings.HasPrefix(expr, "@"):
		return nil, fmt.Errorf("unsupported schedule shorthand: %s", expr)
	default:
		return parseCron(expr)
	}
}

// intervalSchedule fires at a fixed interval.
type intervalSchedule struct {
	interval time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.interval)
}

// cronSchedule holds one allowed-value set per field.
type cronSchedule struct {
	minute, hour, dom, month, dow map[int]bool
}

type fieldSpec struct {
	name     string
	min, max int
}

var cronFields = []fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

func parseCron(expr string) (*cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression needs 5 fields, got %d: %q", len(fields), expr)
	}
	sets := make([]map[int]bool, 5)
	for i, raw := range fields {
		set, err := parseField(raw, cronFields[i])
		if err != nil {
			return nil, err
		}
		sets[i] = set
	}
	return &cronSchedule{
		minute: sets[0],
		hour:   sets[1],
		dom:    sets[2],
		month:  sets[3],
		dow:    sets[4],
	}, nil
}

// parseField handles "*", "*/n", "a", "a-b", and comma lists of those.
func parseField(raw string, spec fieldSpec) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(raw, ",") {
		lo, hi, step := spec.min, spec.max, 1

		if idx := strings.Index(part, "/"); idx >= 0 {
			s, err := strconv.Atoi(part[idx+1:])
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("invalid step in %s field: %q", spec.name, part)
			}
			step = s
			part = part[:idx]
		}

		switch {
		case part == "*":
			// full range
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			a, errA := strconv.Atoi(bounds[0])
			b, errB := strconv.Atoi(bounds[1])
			if errA != nil || errB != nil || a > b {
				return nil, fmt.Errorf("invalid range in %s field: %q", spec.name, part)
			}
			lo, hi = a, b
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid value in %s field: %q", spec.name, part)
			}
			lo, hi = v, v
		}

		if lo < spec.min || hi > spec.max {
			return nil, fmt.Errorf("%s field value out of range [%d,%d]: %q", spec.name, spec.min, spec.max, raw)
		}
		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("empty %s field: %q", spec.name, raw)
	}
	return set, nil
}

func (s *cronSchedule) matches(t time.Time) bool {
	return s.minute[t.Minute()] &&
		s.hour[t.Hour()] &&
		s.dom[t.Day()] &&
		s.month[int(t.Month())] &&
		s.dow[int(t.Weekday())]
}

// Next scans minute by minute. Bounded to five years so a never-matching
// expression (like Feb 30) terminates.
func (s *cronSchedule) Next(t time.Time) time.Time {
	next := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)
	for next.Before(limit) {
		if s.matches(next) {
			return next
		}
		next = next.Add(time.Minute)
	}
	return time.Time{}
}
