package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/quietloop/steward/internal/config"
)

// ResolvePersonaPath resolves a persona file reference and ensures it
// stays inside the workspace. Relative paths join the workspace root;
// legacy "memory/personas/<x>" references fall back to "personas/<x>"
// when the old location no longer exists.
func ResolvePersonaPath(personaFile, workspace string) (string, error) {
	ws, err := filepath.Abs(config.ExpandHome(workspace))
	if err != nil {
		return "", err
	}
	raw := config.ExpandHome(personaFile)

	var path string
	if filepath.IsAbs(raw) {
		path = filepath.Clean(raw)
	} else {
		primary := filepath.Join(ws, raw)
		if legacy := legacyPersonaRelative(raw); legacy != "" && !fileExists(primary) {
			fallback := filepath.Join(ws, legacy)
			if fileExists(fallback) {
				path = fallback
			} else {
				path = primary
			}
		} else {
			path = primary
		}
	}

	rel, err := filepath.Rel(ws, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("persona file must be inside workspace: %s", personaFile)
	}
	return path, nil
}

// legacyPersonaRelative maps old memory/personas/* references to the
// personas/* layout.
func legacyPersonaRelative(raw string) string {
	parts := strings.Split(filepath.ToSlash(raw), "/")
	if len(parts) >= 2 && parts[0] == "memory" && parts[1] == "personas" {
		return filepath.Join(append([]string{"personas"}, parts[2:]...)...)
	}
	return ""
}

// LoadPersonaText reads persona text for a decision. Missing or invalid
// files are warned and treated as no persona.
func LoadPersonaText(personaFile, workspace string) string {
	if personaFile == "" {
		return ""
	}
	path, err := ResolvePersonaPath(personaFile, workspace)
	if err != nil {
		slog.Warn("persona path rejected", "file", personaFile, "error", err)
		return ""
	}
	info, err := os.Stat(path)
	if err != nil {
		slog.Warn("persona file not found", "path", path)
		return ""
	}
	if info.IsDir() {
		slog.Warn("persona path is not a file", "path", path)
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("persona file unreadable", "path", path, "error", err)
		return ""
	}
	return string(data)
}

// PersonaCache caches persona text per resolved path and invalidates
// entries when the underlying file changes.
type PersonaCache struct {
	workspace string

	mu      sync.Mutex
	texts   map[string]string
	watcher *fsnotify.Watcher
}

// NewPersonaCache builds a cache rooted at the workspace. The fsnotify
// watcher is optional; without it the cache still works but entries only
// refresh on process restart.
func NewPersonaCache(workspace string) *PersonaCache {
	c := &PersonaCache{
		workspace: workspace,
		texts:     map[string]string{},
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("persona cache watcher unavailable", "error", err)
		return c
	}
	c.watcher = watcher
	go c.watch()
	return c
}

// Text returns the persona text for a persona file reference, or "" when
// unset or unreadable.
func (c *PersonaCache) Text(personaFile string) string {
	if personaFile == "" {
		return ""
	}
	path, err := ResolvePersonaPath(personaFile, c.workspace)
	if err != nil {
		slog.Warn("persona path rejected", "file", personaFile, "error", err)
		return ""
	}

	c.mu.Lock()
	cached, ok := c.texts[path]
	c.mu.Unlock()
	if ok {
		return cached
	}

	text := LoadPersonaText(personaFile, c.workspace)
	if text == "" {
		return ""
	}
	c.mu.Lock()
	c.texts[path] = text
	c.mu.Unlock()
	if c.watcher != nil {
		if err := c.watcher.Add(path); err != nil {
			slog.Debug("persona cache watch failed", "path", path, "error", err)
		}
	}
	return text
}

func (c *PersonaCache) watch() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.mu.Lock()
			delete(c.texts, ev.Name)
			c.mu.Unlock()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Debug("persona cache watcher error", "error", err)
		}
	}
}

// Close stops the change watcher.
func (c *PersonaCache) Close() error {
	if c.watcher == nil {
		return nil
	}
	return c.watcher.Close()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
