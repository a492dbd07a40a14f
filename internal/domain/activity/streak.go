package activity

// CurrentStreak derives the number of consecutive active days ending at
// today (or yesterday, see below) from a set of recorded days.
//
// Starting from today, the expected day walks backward one day at a time;
// each hit extends the streak, the first gap ends it. Grace day rule: when
// today itself is absent but yesterday is present, the streak is still
// considered alive and counting starts from yesterday instead; today's
// activity is not yet required to preserve it. Days beyond the first gap
// never contribute to the current streak.
func CurrentStreak(days DaySet, today DateKey) int {
	if len(days) == 0 {
		return 0
	}

	expected := today
	if !days.Has(expected) {
		// Grace day: yesterday keeps the streak alive.
		expected = today.Prev()
		if !days.Has(expected) {
			return 0
		}
	}

	streak := 0
	for days.Has(expected) {
		streak++
		expected = expected.Prev()
	}
	return streak
}

// LongestRun returns the length of the longest run of consecutive days
// anywhere in the set, independent of today. This is the historical bound
// for BestStreak: a run of N days means the current streak once reached N.
func LongestRun(days DaySet) int {
	if len(days) == 0 {
		return 0
	}

	sorted := days.SortedAsc()
	longest := 1
	run := 1
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1].Next() {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}
