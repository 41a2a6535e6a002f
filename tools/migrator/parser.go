package migrator

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration is one parsed NNN_name.sql file.
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	NoTransaction bool
	Dependencies  []int
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:\s*(.*)$`)
)

// ParseMigration parses the content of a migration file named filename.
//
// The file must contain a "-- +migrate Up" marker, optionally followed by
// "notransaction". "-- +migrate Depends: N M" lines directly after the marker
// declare versions that must already be applied.
func ParseMigration(filename string, content []byte) (*Migration, error) {
	filename = path.Base(filename)
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}

	m := &Migration{
		Version: version,
		Name:    matches[2],
	}

	lines := strings.Split(string(content), "\n")

	upLine := -1
	for i, line := range lines {
		if sub := upMarkerRegex.FindStringSubmatch(strings.TrimSpace(line)); sub != nil {
			upLine = i
			m.NoTransaction = strings.TrimSpace(sub[1]) == "notransaction"
			break
		}
	}
	if upLine < 0 {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	// Header directives and comments until the first statement line
	body := len(lines)
	for i := upLine + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		if sub := dependsRegex.FindStringSubmatch(line); sub != nil {
			deps, err := parseDependencies(sub[1])
			if err != nil {
				return nil, fmt.Errorf("%w in migration file: %s", err, filename)
			}
			m.Dependencies = append(m.Dependencies, deps...)
			continue
		}

		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		body = i
		break
	}

	if body < len(lines) {
		m.UpSQL = strings.TrimSpace(strings.Join(lines[body:], "\n"))
	}
	if m.UpSQL == "" {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}

	return m, nil
}

func parseDependencies(list string) ([]int, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, fmt.Errorf("empty dependency list")
	}

	var deps []int
	for _, field := range strings.Fields(list) {
		dep, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid dependency version '%s'", field)
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// LoadMigrations reads every migration at the root of fsys, validates the set
// and returns it sorted by version. Files that do not look like migrations are
// ignored.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		m, err := ParseMigration(entry.Name(), content)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, *m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	if err := validate(migrations); err != nil {
		return nil, err
	}
	return migrations, nil
}

// validate checks cycles first, then dangling dependencies, then that
// versions run 1..N with no gaps or duplicates.
func validate(migrations []Migration) error {
	if err := detectCycle(migrations); err != nil {
		return err
	}

	versions := make(map[int]bool, len(migrations))
	for _, m := range migrations {
		versions[m.Version] = true
	}
	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if !versions[dep] {
				return fmt.Errorf("migration %d depends on non-existent version %d", m.Version, dep)
			}
		}
	}

	for i, m := range migrations {
		if i > 0 && migrations[i-1].Version == m.Version {
			return fmt.Errorf("duplicate migration version: %d", m.Version)
		}
		if m.Version != i+1 {
			return fmt.Errorf("gap in migration versions: expected %d, found %d", i+1, m.Version)
		}
	}
	return nil
}

// detectCycle runs a three-color DFS over the dependency graph.
func detectCycle(migrations []Migration) error {
	const (
		white = iota
		gray
		black
	)

	graph := make(map[int][]int, len(migrations))
	color := make(map[int]int, len(migrations))
	for _, m := range migrations {
		graph[m.Version] = m.Dependencies
		color[m.Version] = white
	}

	var visit func(node int, trail []int) error
	visit = func(node int, trail []int) error {
		color[node] = gray
		trail = append(trail, node)

		for _, dep := range graph[node] {
			switch color[dep] {
			case gray:
				return fmt.Errorf("circular dependency detected: %v", append(trail, dep))
			case white:
				if err := visit(dep, trail); err != nil {
					return err
				}
			}
		}

		color[node] = black
		return nil
	}

	for _, m := range migrations {
		if color[m.Version] == white {
			if err := visit(m.Version, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
