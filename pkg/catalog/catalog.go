// Package catalog holds the static mission catalog: the fixed set of
// mission identifiers the broker will accept. The catalog is injected
// configuration and never mutated after load.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMissions is the fallback catalog when no configuration is provided.
const DefaultMissions = "mission-a,mission-b,mission-c"

// Catalog is an immutable set of valid mission identifiers.
type Catalog struct {
	order []string
	set   map[string]bool
}

// New builds a catalog from a list of mission identifiers. Empty and
// duplicate entries are dropped; order is normalized to be stable.
func New(missions []string) *Catalog {
	c := &Catalog{set: make(map[string]bool)}
	for _, m := range missions {
		m = strings.TrimSpace(m)
		if m == "" || c.set[m] {
			continue
		}
		c.set[m] = true
		c.order = append(c.order, m)
	}
	sort.Strings(c.order)
	return c
}

// Load reads the catalog from the environment: MISSIONS_FILE points to a
// YAML file, otherwise MISSIONS holds a comma-separated list, otherwise the
// default catalog is used.
func Load() (*Catalog, error) {
	if path := os.Getenv("MISSIONS_FILE"); path != "" {
		return LoadFile(path)
	}
	missions := os.Getenv("MISSIONS")
	if missions == "" {
		missions = DefaultMissions
	}
	return New(strings.Split(missions, ",")), nil
}

type catalogFile struct {
	Missions []string `yaml:"missions"`
}

// LoadFile reads a YAML catalog file of the form:
//
//	missions:
//	  - mission-a
//	  - mission-b
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse catalog file %s: %w", path, err)
	}
	if len(cf.Missions) == 0 {
		return nil, fmt.Errorf("catalog file %s lists no missions", path)
	}
	return New(cf.Missions), nil
}

// Contains reports whether mission is part of the catalog.
func (c *Catalog) Contains(mission string) bool {
	return c.set[mission]
}

// Missions returns the catalog in stable order. The returned slice is a copy.
func (c *Catalog) Missions() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of missions in the catalog.
func (c *Catalog) Len() int {
	return len(c.order)
}
