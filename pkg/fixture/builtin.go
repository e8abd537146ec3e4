package fixture

import (
	"embed"
	"path"
	"sort"
	"strings"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
)

//go:embed sites/*.yaml
var sites embed.FS

// Builtins lists the names of the bundled fixtures.
func Builtins() []string {
	entries, _ := sites.ReadDir("sites")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// Builtin returns a bundled fixture by name.
func Builtin(name string) (*Fixture, error) {
	data, err := sites.ReadFile(path.Join("sites", name+".yaml"))
	if err != nil {
		return nil, errors.New(errors.CodeFixtureNotFound, "no bundled fixture named "+name).
			WithContext("available", strings.Join(Builtins(), ", "))
	}
	return Parse(data)
}

// Resolve loads name as a bundled fixture, or as a file when it has a
// YAML extension or contains a path separator.
func Resolve(name string) (*Fixture, error) {
	if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") || strings.ContainsRune(name, '/') {
		return Load(name)
	}
	return Builtin(name)
}
