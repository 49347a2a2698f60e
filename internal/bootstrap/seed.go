package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templates embed.FS

// seedOrder lists the standing files in seed order. BOOTSTRAP.md is
// not here: it only belongs in a workspace that has never run.
var seedOrder = []string{
	AgentsFile,
	SoulFile,
	ToolsFile,
	IdentityFile,
	UserFile,
	HeartbeatFile,
}

// EnsureWorkspaceFiles writes the missing standing instruction files
// into the workspace. Existing files are never touched, so owner edits
// survive restarts. A workspace with no AGENTS.md counts as brand new
// and additionally receives BOOTSTRAP.md. Returns the names created.
func EnsureWorkspaceFiles(workspace string) ([]string, error) {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, err
	}

	_, err := os.Stat(filepath.Join(workspace, AgentsFile))
	brandNew := os.IsNotExist(err)

	names := seedOrder
	if brandNew {
		names = append(append([]string{}, seedOrder...), BootstrapFile)
	}

	var created []string
	for _, name := range names {
		ok, err := writeIfAbsent(workspace, name)
		if err != nil {
			slog.Warn("workspace seed failed", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// writeIfAbsent creates name from its embedded template. O_EXCL makes
// the existence check and the create one step, so two processes racing
// on first run cannot clobber each other.
func writeIfAbsent(workspace, name string) (bool, error) {
	content, err := templates.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(filepath.Join(workspace, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}

	_, werr := f.Write(content)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return werr == nil, werr
}
