// Package approvalstore persists the Confirmation Gate's profile-scoped
// approved-set to a sibling JSON file next to the profile (SPEC_FULL §3),
// using the same write-temp-then-rename atomicity as the Capability Index
// store.
package approvalstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Store persists an approved-set as a sorted JSON array at path.
type Store struct {
	path string
}

// New creates a Store backed by path (conventionally
// "<profile-dir>/<profile-name>.approved.json").
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the approved-set, returning an empty set (not an error) if the
// file does not exist yet.
func (s *Store) Load(_ context.Context) (map[string]struct{}, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("approvalstore: read %s: %w", s.path, err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("approvalstore: parse %s: %w", s.path, err)
	}
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out, nil
}

// Save writes the approved-set atomically.
func (s *Store) Save(_ context.Context, approved map[string]struct{}) error {
	names := make([]string, 0, len(approved))
	for n := range approved {
		names = append(names, n)
	}
	sort.Strings(names)
	data, err := json.MarshalIndent(names, "", "  ")
	if err != nil {
		return fmt.Errorf("approvalstore: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("approvalstore: create dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("approvalstore: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("approvalstore: rename: %w", err)
	}
	return nil
}
