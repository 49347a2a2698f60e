// Package file hosts the default file-backed session store.
package file

import (
	"github.com/quietloop/steward/internal/sessions"
	"github.com/quietloop/steward/internal/store"
)

// FileSessionStore adapts sessions.Manager to the store.SessionStore
// port.
type FileSessionStore struct {
	mgr *sessions.Manager
}

func NewFileSessionStore(mgr *sessions.Manager) *FileSessionStore {
	return &FileSessionStore{mgr: mgr}
}

func (f *FileSessionStore) History(key string) []sessions.Turn {
	return f.mgr.History(key)
}

func (f *FileSessionStore) Append(key string, turns ...sessions.Turn) error {
	return f.mgr.Append(key, turns...)
}

func (f *FileSessionStore) Clear(key string) (int, error) {
	return f.mgr.Clear(key)
}

func (f *FileSessionStore) Close() error { return nil }

var _ store.SessionStore = (*FileSessionStore)(nil)
