package shared

// ═══════════════════════════════════════════════════════════════════════════
// Rank
// ═══════════════════════════════════════════════════════════════════════════

// Rank is a 1-based position on a published leaderboard. Zero means the
// user does not appear on the board.
type Rank int

// MinRank is the best possible position.
const MinRank Rank = 1

// IsValid reports whether the rank denotes an actual board position.
func (r Rank) IsValid() bool {
	return r >= MinRank
}

// IsTop reports whether the rank sits inside the top n. Milestone
// notifications are driven off transitions of this predicate.
func (r Rank) IsTop(n int) bool {
	return r.IsValid() && int(r) <= n
}

// ═══════════════════════════════════════════════════════════════════════════
// XP and Level
// ═══════════════════════════════════════════════════════════════════════════

// XP is a user's accumulated experience points. Leaderboard entries carry
// the derived level alongside the raw score.
type XP int64

// Level is the tier derived from total XP.
type Level int

// MaxLevel caps level derivation regardless of accumulated XP.
const MaxLevel Level = 1000

// Level converts accumulated XP to a level. Each level costs 100 XP more
// than the one before it: level 2 costs 100, level 3 another 200, level 4
// another 300, and so on.
func (x XP) Level() Level {
	if x <= 0 {
		return 1
	}
	level := 1
	step := int64(100)
	spent := int64(0)
	for spent+step <= int64(x) {
		spent += step
		level++
		step = 100 * int64(level)
		if level >= int(MaxLevel) {
			return MaxLevel
		}
	}
	return Level(level)
}

// Int returns the level as a plain int.
func (l Level) Int() int {
	return int(l)
}

// ═══════════════════════════════════════════════════════════════════════════
// Pagination
// ═══════════════════════════════════════════════════════════════════════════

// Pagination carries the page window of a leaderboard read.
type Pagination struct {
	Page     int
	PageSize int
}

const (
	// DefaultPageSize applies when the caller requests no size.
	DefaultPageSize = 20
	// MaxPageSize caps a single page regardless of the request.
	MaxPageSize = 100
)

// NewPagination clamps the requested window into valid bounds.
func NewPagination(page, pageSize int) Pagination {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return Pagination{Page: page, PageSize: pageSize}
}

// Limit returns the effective page size.
func (p Pagination) Limit() int {
	if p.PageSize <= 0 {
		return DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		return MaxPageSize
	}
	return p.PageSize
}
