package dtc

import (
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Database maps codes to descriptions. The zero value and a nil *Database
// are empty databases.
type Database struct {
	entries map[string]string
}

// NewDatabase builds a database from code → description pairs.
func NewDatabase(entries map[string]string) *Database {
	db := &Database{entries: make(map[string]string, len(entries))}
	for code, desc := range entries {
		db.entries[normalize(code)] = desc
	}
	return db
}

// LoadDatabase reads a YAML mapping of code to description, e.g.
//
//	2AAF00: "DME: oil condition sensor"
func LoadDatabase(path string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dtc database %s: %w", path, err)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse dtc database %s: %w", path, err)
	}
	db := NewDatabase(raw)
	log.Printf("[dtc] loaded %d descriptions from %s", db.Len(), path)
	return db, nil
}

// Describe returns the description for code, if known.
func (d *Database) Describe(code string) (string, bool) {
	if d == nil {
		return "", false
	}
	desc, ok := d.entries[normalize(code)]
	return desc, ok
}

func (d *Database) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
