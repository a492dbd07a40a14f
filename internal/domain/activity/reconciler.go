package activity

import "time"

// RepairReport describes what one reconciliation run found and produced.
// It feeds audit rows, CLI output, and the streak.repaired event.
type RepairReport struct {
	UserID UserID

	// Shapes are the corruption patterns found, or ["canonical"].
	Shapes []string

	// DatesMerged is the size of the merged date set.
	DatesMerged int

	// Counters before (root-level cached values, zero when absent) and
	// after reconciliation.
	StreakBefore int
	StreakAfter  int
	BestBefore   int
	BestAfter    int

	// Changed reports whether the canonical result differs from what was
	// stored, i.e. whether a write is needed.
	Changed bool
}

// WasCorrupted reports whether any corruption pattern was present.
func (r RepairReport) WasCorrupted() bool {
	return len(r.Shapes) != 1 || r.Shapes[0] != string(ShapeCanonical)
}

// ReconcileResult couples the canonical record with its repair report.
type ReconcileResult struct {
	Record *ActivityRecord
	Report RepairReport
}

// Reconcile turns a raw, possibly corrupted activity document into a
// canonical record:
//
//  1. Strictly decode and classify the document (ParseDocument);
//     unrecognized shapes fail with ErrMalformedRecord and nothing is
//     produced.
//  2. Merge every valid date key into one set.
//  3. Recompute the current streak from the merged set relative to today.
//  4. Resolve the best streak as the maximum of every prior counter found
//     anywhere in the document, the longest consecutive run in the merged
//     set, and the recomputed current streak. It never decreases across
//     repairs.
//  5. Preserve lastActivity when present, otherwise stamp now.
//
// Reconcile is pure: persisting the result is the caller's decision.
// Reconciling the canonical result again on the same day yields an
// identical record with Report.Changed == false.
func Reconcile(userID UserID, raw []byte, today DateKey, now time.Time) (*ReconcileResult, error) {
	if !userID.IsValid() {
		return nil, ErrInvalidUserID
	}
	if !today.IsValid() {
		return nil, ErrInvalidDateKey
	}

	parsed, err := ParseDocument(raw)
	if err != nil {
		return nil, err
	}

	record := &ActivityRecord{
		UserID:       userID,
		Days:         parsed.Days.Clone(),
		LastActivity: parsed.LastActivity,
		UpdatedAt:    now,
	}
	record.CurrentStreak = CurrentStreak(record.Days, today)

	best := parsed.MaxPriorCounter()
	if run := LongestRun(record.Days); run > best {
		best = run
	}
	if record.CurrentStreak > best {
		best = record.CurrentStreak
	}
	record.BestStreak = best

	if record.LastActivity.IsZero() {
		record.LastActivity = now
	}

	changed := !parsed.IsCanonical() ||
		!parsed.HasPriorCurrent || parsed.PriorCurrent != record.CurrentStreak ||
		!parsed.HasPriorBest || parsed.PriorBest != record.BestStreak ||
		parsed.LastActivity.IsZero()

	return &ReconcileResult{
		Record: record,
		Report: RepairReport{
			UserID:       userID,
			Shapes:       parsed.ShapeLabels(),
			DatesMerged:  record.Days.Len(),
			StreakBefore: parsed.PriorCurrent,
			StreakAfter:  record.CurrentStreak,
			BestBefore:   parsed.PriorBest,
			BestAfter:    record.BestStreak,
			Changed:      changed,
		},
	}, nil
}
