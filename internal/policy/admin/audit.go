package admin

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/quietloop/steward/internal/policy"
)

// Entry is one append-only audit row for a policy mutation.
type Entry struct {
	ID          string `json:"id"`
	Timestamp   string `json:"timestamp"`
	ActorSource string `json:"actor_source"`
	ActorID     string `json:"actor_id"`
	Channel     string `json:"channel"`
	ChatID      string `json:"chat_id"`
	CommandRaw  string `json:"command_raw"`
	DryRun      bool   `json:"dry_run"`
	Result      string `json:"result"`
	BeforeHash  string `json:"before_hash"`
	AfterHash   string `json:"after_hash"`
	BackupRef   string `json:"backup_ref"`
	Error       string `json:"error,omitempty"`
}

// Store keeps append-only audit rows and policy backup snapshots under
// <policy dir>/policy/audit.
type Store struct {
	policyPath  string
	root        string
	historyPath string
	backupDir   string
}

func NewStore(policyPath string) *Store {
	root := filepath.Join(filepath.Dir(policyPath), "policy", "audit")
	return &Store{
		policyPath:  policyPath,
		root:        root,
		historyPath: filepath.Join(root, "policy_changes.jsonl"),
		backupDir:   filepath.Join(root, "backups"),
	}
}

func (s *Store) HistoryPath() string { return s.historyPath }

func (s *Store) ensureDirs() error {
	return os.MkdirAll(s.backupDir, 0o755)
}

// WriteBackup snapshots the pre-change document and returns the
// root-relative backup ref recorded in the audit row.
func (s *Store) WriteBackup(changeID string, before *policy.Document) (string, error) {
	if err := s.ensureDirs(); err != nil {
		return "", err
	}
	ref := "backups/" + changeID + ".json"
	if err := policy.Save(filepath.Join(s.root, ref), before); err != nil {
		return "", err
	}
	return ref, nil
}

// LoadBackup reads a snapshot by its audit ref. A missing snapshot is
// an error here, unlike the main policy file which falls back to
// defaults.
func (s *Store) LoadBackup(ref string) (*policy.Document, error) {
	path := filepath.Join(s.root, ref)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	return policy.Load(path)
}

func (s *Store) Append(e Entry) error {
	if err := s.ensureDirs(); err != nil {
		return err
	}
	row, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.Write(append(row, '\n'))
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// ReadRecent returns up to limit rows, latest first. Blank and
// malformed lines are skipped.
func (s *Store) ReadRecent(limit int) []Entry {
	if limit <= 0 {
		return nil
	}
	rows := s.scan(func(e Entry) bool { return true })
	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	slices.Reverse(rows)
	return rows
}

// Find returns the first row whose id matches changeID.
func (s *Store) Find(changeID string) *Entry {
	for _, e := range s.scan(func(e Entry) bool {
		return strings.TrimSpace(e.ID) == changeID
	}) {
		return &e
	}
	return nil
}

func (s *Store) scan(keep func(Entry) bool) []Entry {
	f, err := os.Open(s.historyPath)
	if err != nil {
		return nil
	}
	defer f.Close()

	var rows []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if keep(e) {
			rows = append(rows, e)
		}
	}
	return rows
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
