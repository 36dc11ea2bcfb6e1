package claims

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// Store persists claims as a single JSON file mapping issue number
// (string) to claim record. Callers must hold the claim lock around
// every Load/Save pair; the file is always replaced as one atomic unit.
type Store struct {
	path string
}

// NewStore creates a store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the claim file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads all claims. A missing file yields an empty map.
func (s *Store) Load() (map[int]*Claim, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int]*Claim{}, nil
		}
		return nil, fmt.Errorf("read claim file: %w", err)
	}

	var raw map[string]*Claim
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse claim file %s: %w", s.path, err)
	}

	out := make(map[int]*Claim, len(raw))
	for key, c := range raw {
		issue, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("parse claim file %s: bad issue key %q", s.path, key)
		}
		c.Issue = issue
		if c.FailureReasons == nil {
			c.FailureReasons = []string{}
		}
		out[issue] = c
	}
	return out, nil
}

// Save writes all claims, replacing the file atomically via a temp
// file and rename.
func (s *Store) Save(all map[int]*Claim) error {
	raw := make(map[string]*Claim, len(all))
	for issue, c := range all {
		raw[strconv.Itoa(issue)] = c
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encode claims: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create claim directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".claims-*.json")
	if err != nil {
		return fmt.Errorf("create temp claim file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write claim file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close claim file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace claim file: %w", err)
	}
	return nil
}

// sortedIssues returns claim keys in ascending issue order, for
// deterministic iteration in logs and the status command.
func sortedIssues(all map[int]*Claim) []int {
	issues := make([]int, 0, len(all))
	for n := range all {
		issues = append(issues, n)
	}
	sort.Ints(issues)
	return issues
}
