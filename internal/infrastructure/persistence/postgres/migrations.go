package postgres

import (
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

//go:embed migrations/*.sql
var migrationFS embed.FS

// loadMigrations reads the embedded SQL files and pairs them into versioned
// migrations. Files follow the naming scheme NNN_name.up.sql and
// NNN_name.down.sql; both directions of a version share the same name.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		version, name, direction, err := parseMigrationFilename(entry.Name())
		if err != nil {
			return nil, err
		}

		content, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: name}
			byVersion[version] = mig
		}
		if mig.Name != name {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, mig.Name, name)
		}

		switch direction {
		case "up":
			mig.UpSQL = string(content)
		case "down":
			mig.DownSQL = string(content)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// parseMigrationFilename splits "001_create_activity.up.sql" into its
// version, name and direction parts.
func parseMigrationFilename(filename string) (version int, name, direction string, err error) {
	base, ok := strings.CutSuffix(filename, ".sql")
	if !ok {
		return 0, "", "", fmt.Errorf("unexpected migration file %q", filename)
	}

	switch {
	case strings.HasSuffix(base, ".up"):
		direction = "up"
		base = strings.TrimSuffix(base, ".up")
	case strings.HasSuffix(base, ".down"):
		direction = "down"
		base = strings.TrimSuffix(base, ".down")
	default:
		return 0, "", "", fmt.Errorf("migration file %q has no .up or .down suffix", filename)
	}

	prefix, name, ok := strings.Cut(base, "_")
	if !ok {
		return 0, "", "", fmt.Errorf("migration file %q has no version prefix", filename)
	}

	version, err = strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, "", "", fmt.Errorf("migration file %q has invalid version %q", filename, prefix)
	}

	return version, name, direction, nil
}
