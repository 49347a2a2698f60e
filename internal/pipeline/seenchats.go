package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// SeenChats is a persistent registry of chat keys the assistant has
// already been introduced to. Keys use the "channel:chat_id" session
// form. The file survives restarts so a group only triggers one owner
// notification ever.
type SeenChats struct {
	mu   sync.Mutex
	path string
	keys map[string]struct{}
}

type seenChatsFile struct {
	Chats []string `json:"chats"`
}

// LoadSeenChats reads the registry at path, starting empty when the
// file does not exist yet.
func LoadSeenChats(path string) (*SeenChats, error) {
	s := &SeenChats{path: path, keys: make(map[string]struct{})}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read seen chats: %w", err)
	}
	var file seenChatsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse seen chats: %w", err)
	}
	for _, key := range file.Chats {
		s.keys[key] = struct{}{}
	}
	return s, nil
}

// MarkSeen records key and persists the registry. It reports whether
// the key was new.
func (s *SeenChats) MarkSeen(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = struct{}{}
	return true, s.saveLocked()
}

// Seen reports whether key is already registered.
func (s *SeenChats) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

func (s *SeenChats) saveLocked() error {
	file := seenChatsFile{Chats: make([]string, 0, len(s.keys))}
	for key := range s.keys {
		file.Chats = append(file.Chats, key)
	}
	sort.Strings(file.Chats)
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
