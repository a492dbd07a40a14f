package config

import (
	"errors"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
)

// FeatureFlags is an in-process feature flag registry with percentage
// rollout. Flags gate write-side behavior (automatic repair, retention
// pruning) and publication side effects; read paths never consult a flag.
type FeatureFlags struct {
	mu    sync.RWMutex
	flags map[string]*Flag
}

// Flag is a single feature flag.
type Flag struct {
	Name        string
	Description string
	Enabled     bool

	// RolloutPercent admits a stable percentage of subjects, 0-100.
	// Subjects are bucketed by FNV hash of flag name + subject ID, so a
	// user stays in the same bucket across runs.
	RolloutPercent int
}

// Flag names.
const (
	// FlagRepairAutofix admits users whose corrupted activity documents
	// are repaired in place during audit scans. Users outside the rollout
	// are audited dry-run.
	FlagRepairAutofix = "repair.autofix"

	// FlagCachePublish enables Redis publication after a rebuild.
	FlagCachePublish = "leaderboard.cache_publish"

	// FlagRankEvents enables rank-movement events after a rebuild.
	FlagRankEvents = "leaderboard.rank_events"

	// FlagRetentionPrune enables the weekly retention pruning job.
	FlagRetentionPrune = "retention.prune"
)

var (
	ErrFlagNotFound          = errors.New("feature flag not found")
	ErrInvalidRolloutPercent = errors.New("rollout percent must be 0-100")
)

// LoadFeatureFlags builds the registry with defaults, then applies
// environment overrides.
func LoadFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{flags: make(map[string]*Flag)}
	ff.initializeDefaults()
	ff.loadFromEnvironment()
	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	ff.flags[FlagRepairAutofix] = &Flag{
		Name:           FlagRepairAutofix,
		Description:    "Repair corrupted activity documents during audits",
		Enabled:        true,
		RolloutPercent: 50, // Gradual rollout
	}

	ff.flags[FlagCachePublish] = &Flag{
		Name:           FlagCachePublish,
		Description:    "Publish snapshots to Redis after rebuilds",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.flags[FlagRankEvents] = &Flag{
		Name:           FlagRankEvents,
		Description:    "Emit rank-movement events after rebuilds",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.flags[FlagRetentionPrune] = &Flag{
		Name:           FlagRetentionPrune,
		Description:    "Prune snapshot history and repair audits past retention",
		Enabled:        true,
		RolloutPercent: 100,
	}
}

// loadFromEnvironment applies overrides from env vars.
// Format: FEATURE_<NAME>=true|false|<percent>
// Example: FEATURE_REPAIR_AUTOFIX=25 (25% rollout)
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, flag := range ff.flags {
		val := os.Getenv(flagNameToEnvKey(name))
		if val == "" {
			continue
		}

		if b, err := strconv.ParseBool(val); err == nil {
			flag.Enabled = b
			if b {
				flag.RolloutPercent = 100
			} else {
				flag.RolloutPercent = 0
			}
			continue
		}

		if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
			flag.Enabled = p > 0
			flag.RolloutPercent = p
		}
	}
}

// flagNameToEnvKey converts a flag name to its environment variable key.
// "repair.autofix" -> "FEATURE_REPAIR_AUTOFIX"
func flagNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// Enabled reports whether a flag is on at all. Used for flags without a
// per-subject rollout.
func (ff *FeatureFlags) Enabled(name string) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	flag, ok := ff.flags[name]
	if !ok {
		return false
	}
	return flag.Enabled && flag.RolloutPercent > 0
}

// EnabledFor reports whether a flag admits the given subject. Subjects
// are assigned to stable buckets; raising the percentage only adds
// subjects, never reshuffles them.
func (ff *FeatureFlags) EnabledFor(name, subjectID string) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	flag, ok := ff.flags[name]
	if !ok || !flag.Enabled || flag.RolloutPercent <= 0 {
		return false
	}
	if flag.RolloutPercent >= 100 || subjectID == "" {
		return true
	}
	return rolloutBucket(name, subjectID) < flag.RolloutPercent
}

// rolloutBucket maps a flag-subject pair to 0-99.
func rolloutBucket(name, subjectID string) int {
	h := fnv.New32a()
	h.Write([]byte(name))
	h.Write([]byte(subjectID))
	return int(h.Sum32() % 100)
}

// SetRolloutPercent updates a flag's rollout live.
func (ff *FeatureFlags) SetRolloutPercent(name string, percent int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	flag, ok := ff.flags[name]
	if !ok {
		return ErrFlagNotFound
	}
	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}

	flag.RolloutPercent = percent
	flag.Enabled = percent > 0
	return nil
}

// RolloutPercent returns a flag's current rollout percentage, 0 for
// unknown flags.
func (ff *FeatureFlags) RolloutPercent(name string) int {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	flag, ok := ff.flags[name]
	if !ok {
		return 0
	}
	return flag.RolloutPercent
}
