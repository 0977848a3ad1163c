// Package idgen provides pluggable ID generation for the scraping pipeline.
//
// Attempts, events, diagnostic logs and provider calls all carry string IDs;
// constructors accept a Generator so tests can substitute deterministic
// sequences.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, which keeps attempt and event rows roughly insertion-ordered
// under their primary key.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequential returns a Generator producing "<prefix>-1", "<prefix>-2", ...
// Intended for tests; not safe for concurrent use.
func Sequential(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// Default is the pipeline default: UUID v7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
