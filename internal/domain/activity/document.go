package activity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Shape identifies one corruption pattern found in a persisted activity
// document. A document may exhibit several patterns at once; an empty
// pattern list means the document is canonical.
type Shape string

const (
	// ShapeCanonical marks a document that already conforms to the
	// canonical layout.
	ShapeCanonical Shape = "canonical"

	// ShapeNestedDates marks a dates field wrongly containing another
	// dates object that holds the real date map.
	ShapeNestedDates Shape = "nested-dates"

	// ShapeCountersInDates marks streak counters misplaced inside the
	// dates object instead of the document root.
	ShapeCountersInDates Shape = "counters-in-dates"

	// ShapeDatesAtRoot marks date keys stranded at the document root
	// outside the dates object.
	ShapeDatesAtRoot Shape = "dates-at-root"
)

// Persisted field names.
const (
	fieldDates         = "dates"
	fieldCurrentStreak = "currentStreak"
	fieldBestStreak    = "bestStreak"
	fieldLastActivity  = "lastActivity"
)

// ParsedDocument is the output of strict decoding: every valid date key
// found anywhere in the document merged into one set, every cached counter
// with its location, and the corruption patterns that were present.
type ParsedDocument struct {
	// Days is the merged set of valid date keys from the dates object,
	// any nested dates object, and the document root.
	Days DaySet

	// PriorCurrent and PriorBest are the root-level cached counters.
	// They are advisory; Has* distinguishes an absent field from zero.
	PriorCurrent    int
	HasPriorCurrent bool
	PriorBest       int
	HasPriorBest    bool

	// MisplacedCounters are counter values found inside the dates object
	// (or its nested copy). They are candidate prior streak values, never
	// dates.
	MisplacedCounters []int

	// LastActivity is the recorded last-activity timestamp, zero if absent.
	LastActivity time.Time

	shapes map[Shape]bool
}

// IsCanonical reports whether no corruption pattern was found.
func (p *ParsedDocument) IsCanonical() bool {
	return len(p.shapes) == 0
}

// Shapes returns the corruption patterns present, in a fixed order.
// A canonical document reports [canonical].
func (p *ParsedDocument) Shapes() []Shape {
	if p.IsCanonical() {
		return []Shape{ShapeCanonical}
	}
	out := make([]Shape, 0, len(p.shapes))
	for _, s := range []Shape{ShapeNestedDates, ShapeCountersInDates, ShapeDatesAtRoot} {
		if p.shapes[s] {
			out = append(out, s)
		}
	}
	return out
}

// ShapeLabels returns Shapes as plain strings, for audit rows and logs.
func (p *ParsedDocument) ShapeLabels() []string {
	shapes := p.Shapes()
	out := make([]string, len(shapes))
	for i, s := range shapes {
		out[i] = string(s)
	}
	return out
}

// MaxPriorCounter returns the largest counter value seen anywhere in the
// document: both root counters plus every misplaced one. The root
// currentStreak is advisory for the recomputed current streak, but any
// recorded counter is evidence of a streak once reached, so all of them
// bound bestStreak from below.
func (p *ParsedDocument) MaxPriorCounter() int {
	max := 0
	if p.HasPriorBest && p.PriorBest > max {
		max = p.PriorBest
	}
	if p.HasPriorCurrent && p.PriorCurrent > max {
		max = p.PriorCurrent
	}
	for _, n := range p.MisplacedCounters {
		if n > max {
			max = n
		}
	}
	return max
}

// ParseDocument strictly decodes a persisted activity document, merging
// valid date keys from every known location and classifying the corruption
// patterns present. Any shape outside the known patterns (non-object dates,
// non-boolean date values, negative or non-integer counters, unknown
// fields, dates nested deeper than one level) is rejected with
// ErrMalformedRecord; unknown shapes are never silently merged.
func ParseDocument(data []byte) (*ParsedDocument, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedRecord)
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", ErrMalformedRecord, err)
	}

	p := &ParsedDocument{
		Days:   make(DaySet),
		shapes: make(map[Shape]bool),
	}

	for key, raw := range root {
		switch {
		case key == fieldDates:
			if err := p.parseDates(raw, false); err != nil {
				return nil, err
			}

		case key == fieldCurrentStreak:
			n, err := parseCounter(key, raw)
			if err != nil {
				return nil, err
			}
			p.PriorCurrent = n
			p.HasPriorCurrent = true

		case key == fieldBestStreak:
			n, err := parseCounter(key, raw)
			if err != nil {
				return nil, err
			}
			p.PriorBest = n
			p.HasPriorBest = true

		case key == fieldLastActivity:
			t, err := parseTimestamp(raw)
			if err != nil {
				return nil, err
			}
			p.LastActivity = t

		case DateKey(key).IsValid():
			// Date key stranded at the root.
			active, err := parseDayValue(key, raw)
			if err != nil {
				return nil, err
			}
			if active {
				p.Days.Add(DateKey(key))
			}
			p.shapes[ShapeDatesAtRoot] = true

		default:
			return nil, fmt.Errorf("%w: unrecognized field %q", ErrMalformedRecord, key)
		}
	}

	return p, nil
}

// parseDates walks a dates object, collecting date keys and misplaced
// counters. nested guards against recursion deeper than the one known
// corruption level.
func (p *ParsedDocument) parseDates(raw json.RawMessage, nested bool) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("%w: dates is not an object: %v", ErrMalformedRecord, err)
	}

	for key, val := range obj {
		switch {
		case DateKey(key).IsValid():
			active, err := parseDayValue(key, val)
			if err != nil {
				return err
			}
			if active {
				p.Days.Add(DateKey(key))
			}

		case key == fieldDates:
			if nested {
				return fmt.Errorf("%w: dates nested deeper than one level", ErrMalformedRecord)
			}
			p.shapes[ShapeNestedDates] = true
			if err := p.parseDates(val, true); err != nil {
				return err
			}

		case key == fieldCurrentStreak || key == fieldBestStreak:
			n, err := parseCounter(key, val)
			if err != nil {
				return err
			}
			p.MisplacedCounters = append(p.MisplacedCounters, n)
			p.shapes[ShapeCountersInDates] = true

		default:
			return fmt.Errorf("%w: unrecognized key %q inside dates", ErrMalformedRecord, key)
		}
	}

	return nil
}

// parseDayValue decodes the value of a date key. Only booleans are
// recognized; true marks the day active, false is tolerated and dropped.
func parseDayValue(key string, raw json.RawMessage) (bool, error) {
	var active bool
	if err := json.Unmarshal(raw, &active); err != nil {
		return false, fmt.Errorf("%w: non-boolean value for date key %q", ErrMalformedRecord, key)
	}
	return active, nil
}

// parseCounter decodes a streak counter: a non-negative JSON integer.
func parseCounter(key string, raw json.RawMessage) (int, error) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0, fmt.Errorf("%w: non-numeric value for %q", ErrMalformedRecord, key)
	}
	n, err := num.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: non-integer value for %q", ErrMalformedRecord, key)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative value for %q", ErrMalformedRecord, key)
	}
	return int(n), nil
}

// parseTimestamp decodes lastActivity: an RFC3339 string or a Unix
// millisecond integer (the shape older clients wrote).
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: unparseable lastActivity %q", ErrMalformedRecord, s)
		}
		return t.UTC(), nil
	}

	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		millis, err := num.Int64()
		if err == nil && millis >= 0 {
			return time.UnixMilli(millis).UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: unparseable lastActivity", ErrMalformedRecord)
}

// canonicalDocument mirrors the canonical persisted JSON shape.
type canonicalDocument struct {
	Dates         map[string]bool `json:"dates"`
	CurrentStreak int             `json:"currentStreak"`
	BestStreak    int             `json:"bestStreak"`
	LastActivity  string          `json:"lastActivity,omitempty"`
}

// EncodeCanonical marshals a record into the canonical document shape.
// Map keys marshal in sorted order, so identical records produce identical
// bytes.
func EncodeCanonical(r *ActivityRecord) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	doc := canonicalDocument{
		Dates:         make(map[string]bool, len(r.Days)),
		CurrentStreak: r.CurrentStreak,
		BestStreak:    r.BestStreak,
	}
	for d := range r.Days {
		doc.Dates[string(d)] = true
	}
	if !r.LastActivity.IsZero() {
		doc.LastActivity = r.LastActivity.UTC().Format(time.RFC3339Nano)
	}

	return json.Marshal(doc)
}
