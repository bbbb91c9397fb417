// Package wu holds the YAML WU record store, the lifecycle state machine,
// and the completion-stamp format.
package wu

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Status is one of the lifecycle states.
type Status string

const (
	Ready      Status = "ready"
	InProgress Status = "in_progress"
	Blocked    Status = "blocked"
	Done       Status = "done"
	Deleted    Status = "deleted"
)

// ClaimedMode is how a WU's claim manifests on disk.
type ClaimedMode string

const (
	ModeWorktree  ClaimedMode = "worktree"
	ModeBranchPR  ClaimedMode = "branch_pr"
	ModeBranchOnly ClaimedMode = "branch_only"
)

// Approval carries the human-escalation sign-off block.
type Approval struct {
	ApprovedBy              string   `yaml:"approved_by,omitempty"`
	ApprovedAt              string   `yaml:"approved_at,omitempty"`
	EscalationTriggers      []string `yaml:"escalation_triggers,omitempty"`
	RequiresHumanEscalation bool     `yaml:"requires_human_escalation,omitempty"`
}

// Record is the full YAML document for one WU.
type Record struct {
	ID         string      `yaml:"id"`
	Status     Status      `yaml:"status"`
	Lane       string      `yaml:"lane"`
	Title      string      `yaml:"title"`
	AssignedTo string      `yaml:"assigned_to,omitempty"`

	ClaimedAt     string      `yaml:"claimed_at,omitempty"`
	ClaimedMode   ClaimedMode `yaml:"claimed_mode,omitempty"`
	ClaimedBranch string      `yaml:"claimed_branch,omitempty"`
	WorktreePath  string      `yaml:"worktree_path,omitempty"`
	BaselineMainSHA string    `yaml:"baseline_main_sha,omitempty"`
	SessionID     string      `yaml:"session_id,omitempty"`

	Approval Approval `yaml:"approval,omitempty"`

	CodePaths  []string `yaml:"code_paths,omitempty"`
	Acceptance []string `yaml:"acceptance,omitempty"`
	Initiative string   `yaml:"initiative,omitempty"`
	SpecRefs   []string `yaml:"spec_refs,omitempty"`
}

var idPattern = regexp.MustCompile(`^WU-(\d+)$`)

// ValidID reports whether id matches WU-<integer>.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// IDNumber extracts the integer suffix of a WU id.
func IDNumber(id string) (int, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, fmt.Errorf("invalid wu id: %s", id)
	}
	return strconv.Atoi(m[1])
}

// Store reads and writes WU records as YAML files in a directory.
type Store struct {
	dir string
}

// NewStore binds a Store to a WU directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".yaml")
}

// Load reads one WU record. Returns os.ErrNotExist (wrapped) if absent.
func (s *Store) Load(id string) (*Record, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("wu: load %s: %w", id, err)
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("wu: parse %s: %w", id, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return &rec, nil
}

// Save writes a WU record as YAML, creating the directory if needed.
func (s *Store) Save(rec *Record) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("wu: ensure dir: %w", err)
	}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("wu: encode %s: %w", rec.ID, err)
	}
	if err := os.WriteFile(s.path(rec.ID), data, 0o644); err != nil {
		return fmt.Errorf("wu: write %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a WU record file. Missing files are not an error.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wu: delete %s: %w", id, err)
	}
	return nil
}

// Exists reports whether a record file exists for id.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// List returns every WU record found in the store directory.
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wu: list: %w", err)
	}
	var recs []*Record
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".yaml")]
		rec, err := s.Load(id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
