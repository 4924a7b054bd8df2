package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// AuditArchiver copies audit rows older than a cutoff to cold storage.
type AuditArchiver interface {
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}

// Archiver periodically moves the audit log to S3 cold storage.
type Archiver struct {
	audit         AuditArchiver
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(audit AuditArchiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		audit:         audit,
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive run over audit entries older than the
// retention window.
func (a *Archiver) Run(ctx context.Context) (int64, error) {
	cutoff := a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "archiver: starting run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	n, err := a.audit.ArchiveAudit(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archiver: audit before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	a.logger.InfoContext(ctx, "archiver: run complete", slog.Int64("audit_archived", n))
	return n, nil
}

// RunCron runs the archiver on a standard 5-field cron schedule
// ("minute hour day-of-month month day-of-week") until ctx is cancelled.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := ParseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("archiver: %w", err)
	}
	a.logger.Info("archiver: cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.Next(a.now().UTC())
		if err != nil {
			return fmt.Errorf("archiver: %w", err)
		}

		wait := time.Until(next)
		a.logger.Info("archiver: waiting for next trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver: cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.Error("archiver: run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField is the set of values a cron field accepts.
type cronField struct {
	wildcard bool
	values   map[int]bool
}

func (f cronField) matches(val int) bool {
	return f.wildcard || f.values[val]
}

// parseCronField parses "*", "5", "1,15", "1-5", "*/15" and "0-30/10".
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}

	out := cronField{values: make(map[int]bool)}
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		rng, step := part, 1
		if i := strings.IndexByte(part, '/'); i >= 0 {
			s, err := strconv.Atoi(part[i+1:])
			if err != nil || s <= 0 {
				return cronField{}, fmt.Errorf("invalid step in %q", part)
			}
			rng, step = part[:i], s
		}

		start, end := lo, hi
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			bounds := strings.SplitN(rng, "-", 2)
			var err error
			if start, err = strconv.Atoi(bounds[0]); err != nil {
				return cronField{}, fmt.Errorf("invalid range start in %q: %w", part, err)
			}
			if end, err = strconv.Atoi(bounds[1]); err != nil {
				return cronField{}, fmt.Errorf("invalid range end in %q: %w", part, err)
			}
		default:
			v, err := strconv.Atoi(rng)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid cron field value %q: %w", part, err)
			}
			start, end = v, v
		}
		if start < lo || end > hi || start > end {
			return cronField{}, fmt.Errorf("value %q out of range [%d, %d]", part, lo, hi)
		}
		for v := start; v <= end; v += step {
			out.values[v] = true
		}
	}
	return out, nil
}

// Schedule is a parsed 5-field cron expression.
type Schedule struct {
	expr       string
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// ParseCron parses a 5-field cron expression.
func ParseCron(expr string) (Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cron expression %q must have 5 fields, got %d", expr, len(fields))
	}

	specs := []struct {
		name   string
		lo, hi int
	}{
		{"minute", 0, 59},
		{"hour", 0, 23},
		{"day-of-month", 1, 31},
		{"month", 1, 12},
		{"day-of-week", 0, 6},
	}
	parsed := make([]cronField, len(specs))
	for i, spec := range specs {
		f, err := parseCronField(fields[i], spec.lo, spec.hi)
		if err != nil {
			return Schedule{}, fmt.Errorf("parsing %s field of %q: %w", spec.name, expr, err)
		}
		parsed[i] = f
	}

	return Schedule{
		expr:       expr,
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  parsed[4],
	}, nil
}

func (s Schedule) matches(t time.Time) bool {
	return s.minute.matches(t.Minute()) &&
		s.hour.matches(t.Hour()) &&
		s.dayOfMonth.matches(t.Day()) &&
		s.month.matches(int(t.Month())) &&
		s.dayOfWeek.matches(int(t.Weekday()))
}

// Next returns the first minute strictly after the given time that matches
// the schedule, searching up to one year ahead.
func (s Schedule) Next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if s.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching cron time within one year for %q", s.expr)
}
