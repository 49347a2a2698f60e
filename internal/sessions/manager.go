package sessions

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Turn is one persisted conversation message.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// metaLine is the first record of a transcript file. It preserves the
// exact session key, which the underscored filename cannot recover for
// chat ids that contain underscores themselves (Feishu oc_ ids).
type metaLine struct {
	Type    string    `json:"type"`
	Key     string    `json:"key"`
	Created time.Time `json:"created"`
}

const metaLineType = "meta"

type session struct {
	key     string
	turns   []Turn
	created time.Time
	updated time.Time
}

// Manager owns the transcript directory. Sessions load lazily on first
// touch and stay cached for the process lifetime.
type Manager struct {
	mu       sync.RWMutex
	dir      string
	sessions map[string]*session
}

func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Manager{dir: dir, sessions: make(map[string]*session)}, nil
}

// History returns a copy of the session's turns, oldest first. Unknown
// sessions return nil.
func (m *Manager) History(key string) []Turn {
	m.mu.RLock()
	if s, ok := m.sessions[key]; ok {
		turns := make([]Turn, len(s.turns))
		copy(turns, s.turns)
		m.mu.RUnlock()
		return turns
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.lookupLocked(key)
	if s == nil {
		return nil
	}
	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	return turns
}

// Append persists turns at the end of a session's transcript, creating
// the transcript file on first write. Zero timestamps are stamped with
// the current time. The manager lock is held across the file write so
// transcript order always matches memory order.
func (m *Manager) Append(key string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	now := time.Now().UTC()
	stamped := make([]Turn, len(turns))
	for i, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		stamped[i] = t
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.pathFor(key)
	if err != nil {
		return err
	}

	s := m.lookupLocked(key)
	isNew := s == nil
	if isNew {
		s = &session{key: key, created: now}
		m.sessions[key] = s
	}

	var buf bytes.Buffer
	if isNew {
		row, err := json.Marshal(metaLine{Type: metaLineType, Key: key, Created: now})
		if err != nil {
			return err
		}
		buf.Write(row)
		buf.WriteByte('\n')
	}
	for _, t := range stamped {
		row, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(row)
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	s.turns = append(s.turns, stamped...)
	s.updated = now
	return nil
}

// Clear empties a session's transcript and reports how many turns were
// dropped. The file is rewritten atomically with only the meta line so
// the session stays discoverable.
func (m *Manager) Clear(key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.lookupLocked(key)
	if s == nil {
		return 0, nil
	}
	path, err := m.pathFor(key)
	if err != nil {
		return 0, err
	}

	created := s.created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	row, err := json.Marshal(metaLine{Type: metaLineType, Key: key, Created: created})
	if err != nil {
		return 0, err
	}
	if err := m.writeAtomic(path, append(row, '\n')); err != nil {
		return 0, err
	}

	dropped := len(s.turns)
	s.turns = nil
	s.created = created
	s.updated = time.Now().UTC()
	return dropped, nil
}

// lookupLocked returns the cached session, reading the transcript from
// disk on first touch. Returns nil when no transcript exists. Callers
// hold m.mu.
func (m *Manager) lookupLocked(key string) *session {
	if s, ok := m.sessions[key]; ok {
		return s
	}
	path, err := m.pathFor(key)
	if err != nil {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	s := &session{key: key}
	if info, err := f.Stat(); err == nil {
		s.updated = info.ModTime()
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			var meta metaLine
			if err := json.Unmarshal([]byte(line), &meta); err == nil && meta.Type == metaLineType {
				s.created = meta.Created
				continue
			}
		}
		var t Turn
		if err := json.Unmarshal([]byte(line), &t); err != nil || t.Role == "" {
			continue
		}
		s.turns = append(s.turns, t)
	}

	m.sessions[key] = s
	return s
}

func (m *Manager) pathFor(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", os.ErrInvalid
	}
	name := Filename(key)
	if !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return "", os.ErrInvalid
	}
	return filepath.Join(m.dir, name), nil
}

// writeAtomic replaces path via a synced temp file and rename.
func (m *Manager) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(m.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
