package rbac

import (
	"fmt"
	"slices"
	"time"
)

const clockLayout = "15:04"

// Constraint restricts when a user may open sessions or a role may be
// active. The zero value allows everything. Times of day are evaluated in
// the location of the instant passed to Allows.
type Constraint struct {
	NotBefore  time.Time
	NotAfter   time.Time
	Days       []time.Weekday
	DailyStart string
	DailyEnd   string
}

// IsZero reports whether c imposes no restriction.
func (c Constraint) IsZero() bool {
	return c.NotBefore.IsZero() && c.NotAfter.IsZero() && len(c.Days) == 0 &&
		c.DailyStart == "" && c.DailyEnd == ""
}

// Validate checks that the constraint is well formed.
func (c Constraint) Validate() error {
	if !c.NotBefore.IsZero() && !c.NotAfter.IsZero() && c.NotAfter.Before(c.NotBefore) {
		return fmt.Errorf("%w: not_after precedes not_before", ErrInvalidInput)
	}
	for _, d := range c.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: weekday %d out of range", ErrInvalidInput, d)
		}
	}
	if (c.DailyStart == "") != (c.DailyEnd == "") {
		return fmt.Errorf("%w: daily window needs both start and end", ErrInvalidInput)
	}
	if c.DailyStart != "" {
		if _, err := time.Parse(clockLayout, c.DailyStart); err != nil {
			return fmt.Errorf("%w: daily start %q", ErrInvalidInput, c.DailyStart)
		}
		if _, err := time.Parse(clockLayout, c.DailyEnd); err != nil {
			return fmt.Errorf("%w: daily end %q", ErrInvalidInput, c.DailyEnd)
		}
	}
	return nil
}

// Allows reports whether t falls inside every window of c. A daily window
// whose end precedes its start wraps past midnight.
func (c Constraint) Allows(t time.Time) bool {
	if !c.NotBefore.IsZero() && t.Before(c.NotBefore) {
		return false
	}
	if !c.NotAfter.IsZero() && t.After(c.NotAfter) {
		return false
	}
	if len(c.Days) > 0 && !slices.Contains(c.Days, t.Weekday()) {
		return false
	}
	if c.DailyStart == "" {
		return true
	}
	start, err1 := time.Parse(clockLayout, c.DailyStart)
	end, err2 := time.Parse(clockLayout, c.DailyEnd)
	if err1 != nil || err2 != nil {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	from := start.Hour()*60 + start.Minute()
	to := end.Hour()*60 + end.Minute()
	if from <= to {
		return now >= from && now < to
	}
	return now >= from || now < to
}
