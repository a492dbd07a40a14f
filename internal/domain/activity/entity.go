// Package activity contains the domain model for daily activity tracking:
// the per-user record of active calendar days, streak computation over those
// days, and reconciliation of structurally corrupted persisted documents.
// This is a pure domain layer with zero external dependencies.
package activity

import (
	"errors"
	"sort"
	"time"
)

// Domain errors for activity package.
var (
	ErrInvalidUserID    = errors.New("activity: invalid user ID")
	ErrInvalidDateKey   = errors.New("activity: invalid date key")
	ErrRecordNotFound   = errors.New("activity: record not found")
	ErrMalformedRecord  = errors.New("activity: malformed record")
	ErrFutureDate       = errors.New("activity: date cannot be in the future")
	ErrNegativeCounter  = errors.New("activity: streak counter cannot be negative")
	ErrCounterInvariant = errors.New("activity: current streak cannot exceed best streak")
)

// UserID represents a unique identifier for a user.
type UserID string

// IsValid checks if the user ID is valid.
func (u UserID) IsValid() bool {
	return u != ""
}

// String returns the string representation of UserID.
func (u UserID) String() string {
	return string(u)
}

// DateKey represents one calendar day in canonical YYYY-MM-DD form.
// All streak math runs over DateKeys, never over raw timestamps.
type DateKey string

// dateKeyLayout is the canonical layout for date keys.
const dateKeyLayout = "2006-01-02"

// IsValid checks that the key is a real calendar date in canonical form.
// The round trip must be exact: "2024-1-2" and "2024-01-32" are rejected.
func (d DateKey) IsValid() bool {
	t, err := time.ParseInLocation(dateKeyLayout, string(d), time.UTC)
	if err != nil {
		return false
	}
	return t.Format(dateKeyLayout) == string(d)
}

// String returns the string representation of DateKey.
func (d DateKey) String() string {
	return string(d)
}

// Time returns the UTC midnight instant for this day.
// Returns the zero time for invalid keys.
func (d DateKey) Time() time.Time {
	t, err := time.ParseInLocation(dateKeyLayout, string(d), time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Prev returns the key for the preceding calendar day.
func (d DateKey) Prev() DateKey {
	return DateKeyOf(d.Time().AddDate(0, 0, -1))
}

// Next returns the key for the following calendar day.
func (d DateKey) Next() DateKey {
	return DateKeyOf(d.Time().AddDate(0, 0, 1))
}

// Before reports whether d falls on an earlier day than other.
// Canonical form makes lexicographic order chronological.
func (d DateKey) Before(other DateKey) bool {
	return string(d) < string(other)
}

// NewDateKey validates a raw string as a canonical date key.
func NewDateKey(value string) (DateKey, error) {
	d := DateKey(value)
	if !d.IsValid() {
		return "", ErrInvalidDateKey
	}
	return d, nil
}

// DateKeyOf returns the DateKey for the UTC calendar day of t.
func DateKeyOf(t time.Time) DateKey {
	return DateKey(t.UTC().Format(dateKeyLayout))
}

// DaySet is the set of calendar days with recorded activity.
// Keys are unique; storage order is irrelevant, iteration for streak math
// happens over sorted copies.
type DaySet map[DateKey]struct{}

// NewDaySet creates a DaySet from the given days, skipping invalid keys.
func NewDaySet(days ...DateKey) DaySet {
	s := make(DaySet, len(days))
	for _, d := range days {
		if d.IsValid() {
			s[d] = struct{}{}
		}
	}
	return s
}

// Add inserts a day into the set.
func (s DaySet) Add(d DateKey) {
	s[d] = struct{}{}
}

// Has reports whether the day is in the set.
func (s DaySet) Has(d DateKey) bool {
	_, ok := s[d]
	return ok
}

// Len returns the number of days in the set.
func (s DaySet) Len() int {
	return len(s)
}

// Latest returns the most recent day in the set, or "" for an empty set.
func (s DaySet) Latest() DateKey {
	var latest DateKey
	for d := range s {
		if latest == "" || latest.Before(d) {
			latest = d
		}
	}
	return latest
}

// SortedAsc returns the days in ascending chronological order.
// Lexicographic order is chronological for canonical keys.
func (s DaySet) SortedAsc() []DateKey {
	out := make([]DateKey, 0, len(s))
	for d := range s {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SortedDesc returns the days in descending chronological order.
func (s DaySet) SortedDesc() []DateKey {
	out := s.SortedAsc()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Clone returns an independent copy of the set.
func (s DaySet) Clone() DaySet {
	out := make(DaySet, len(s))
	for d := range s {
		out[d] = struct{}{}
	}
	return out
}

// ActivityRecord is the canonical per-user activity aggregate: the set of
// active days plus cached streak counters. The cached counters are advisory;
// they are always reproducible from Days (see Recalculate).
type ActivityRecord struct {
	UserID UserID

	// Days holds one entry per calendar day with recorded activity.
	Days DaySet

	// CurrentStreak is the number of consecutive active days ending at
	// "today" or "yesterday" (grace case).
	CurrentStreak int

	// BestStreak is the maximum CurrentStreak ever observed.
	BestStreak int

	// LastActivity is the timestamp of the most recent recorded activity.
	LastActivity time.Time

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time
}

// NewActivityRecord creates an empty activity record for a user.
func NewActivityRecord(userID UserID) (*ActivityRecord, error) {
	if !userID.IsValid() {
		return nil, ErrInvalidUserID
	}
	return &ActivityRecord{
		UserID: userID,
		Days:   make(DaySet),
	}, nil
}

// MarkDay records activity on the given calendar day and updates the streak
// counters incrementally: same day is a no-op, the day after the latest
// active day extends the streak, a forward gap resets it to 1. Marking an
// older day (backfill) falls back to a full recompute so the counters always
// equal what Recalculate would produce.
// Returns true if the current streak grew.
func (r *ActivityRecord) MarkDay(day DateKey, at time.Time) (bool, error) {
	if !day.IsValid() {
		return false, ErrInvalidDateKey
	}

	if r.Days == nil {
		r.Days = make(DaySet)
	}

	if r.Days.Has(day) {
		if at.After(r.LastActivity) {
			r.LastActivity = at
		}
		r.UpdatedAt = at
		return false, nil
	}

	latest := r.Days.Latest()
	r.Days.Add(day)

	before := r.CurrentStreak
	switch {
	case latest == "":
		// First activity ever.
		r.CurrentStreak = 1
	case day == latest.Next():
		// Consecutive day, extend the run.
		r.CurrentStreak++
	case latest.Before(day):
		// Forward gap, the run restarts.
		r.CurrentStreak = 1
	default:
		// Backfilled earlier day; it may join previously separate runs.
		r.CurrentStreak = CurrentStreak(r.Days, latest)
		if run := LongestRun(r.Days); run > r.BestStreak {
			r.BestStreak = run
		}
	}

	if r.CurrentStreak > r.BestStreak {
		r.BestStreak = r.CurrentStreak
	}
	if at.After(r.LastActivity) {
		r.LastActivity = at
	}
	r.UpdatedAt = at

	return r.CurrentStreak > before, nil
}

// Recalculate recomputes both streak counters from Days relative to the
// given reference day. BestStreak only ever grows.
func (r *ActivityRecord) Recalculate(today DateKey) {
	r.CurrentStreak = CurrentStreak(r.Days, today)
	if run := LongestRun(r.Days); run > r.BestStreak {
		r.BestStreak = run
	}
	if r.CurrentStreak > r.BestStreak {
		r.BestStreak = r.CurrentStreak
	}
}

// HasActivityOn reports whether the user was active on the given day.
func (r *ActivityRecord) HasActivityOn(day DateKey) bool {
	return r.Days.Has(day)
}

// IsActive reports whether the streak is alive relative to today: activity
// recorded today, or yesterday with today still open (grace day).
func (r *ActivityRecord) IsActive(today DateKey) bool {
	return r.Days.Has(today) || r.Days.Has(today.Prev())
}

// Validate checks the record's internal invariants.
func (r *ActivityRecord) Validate() error {
	if !r.UserID.IsValid() {
		return ErrInvalidUserID
	}
	if r.CurrentStreak < 0 || r.BestStreak < 0 {
		return ErrNegativeCounter
	}
	if r.CurrentStreak > r.BestStreak {
		return ErrCounterInvariant
	}
	for d := range r.Days {
		if !d.IsValid() {
			return ErrInvalidDateKey
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *ActivityRecord) Clone() *ActivityRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Days = r.Days.Clone()
	return &clone
}
