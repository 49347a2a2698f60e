package tools

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// resolvePath resolves path relative to the workspace. With restrict set
// it canonicalizes through symlinks and rejects anything that lands
// outside the workspace, including broken-symlink targets, symlinks with
// writable parents (rebind between check and use), and hardlinked files.
func resolvePath(path, workspace string, restrict bool) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(workspace, path))
	}

	if !restrict {
		return resolved, nil
	}

	absWorkspace, _ := filepath.Abs(workspace)
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		// Workspace may not exist yet.
		wsReal = absWorkspace
	}

	absResolved, _ := filepath.Abs(resolved)
	real, err := filepath.EvalSymlinks(absResolved)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("path resolve failed", "path", path, "error", err)
			return "", fmt.Errorf("access denied: cannot resolve path")
		}
		real, err = resolveMissingPath(absResolved, wsReal)
		if err != nil {
			return "", err
		}
	}

	if !isPathInside(real, wsReal) {
		slog.Warn("path escape blocked", "path", path, "resolved", real, "workspace", wsReal)
		return "", fmt.Errorf("access denied: path outside workspace")
	}
	if hasMutableSymlinkParent(real) {
		slog.Warn("mutable symlink component blocked", "path", path, "resolved", real)
		return "", fmt.Errorf("access denied: path contains mutable symlink component")
	}
	if err := checkHardlink(real); err != nil {
		return "", err
	}
	return real, nil
}

// resolveMissingPath canonicalizes a path EvalSymlinks could not resolve.
// A dangling symlink has its target validated against the workspace; a
// plainly absent file is resolved through its parent directory.
func resolveMissingPath(absResolved, wsReal string) (string, error) {
	if info, lerr := os.Lstat(absResolved); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
		target, readErr := os.Readlink(absResolved)
		if readErr != nil {
			return "", fmt.Errorf("access denied: cannot resolve symlink")
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(absResolved), target)
		}
		target = filepath.Clean(target)

		// Chained dangling links can hide an escape in an intermediate
		// component, so canonicalize through the deepest existing ancestor.
		resolved, resolveErr := resolveThroughExistingAncestors(target)
		if resolveErr != nil {
			slog.Warn("dangling symlink resolve failed", "path", absResolved, "target", target)
			return "", fmt.Errorf("access denied: cannot resolve broken symlink target")
		}
		if !isPathInside(resolved, wsReal) {
			slog.Warn("dangling symlink escape blocked", "path", absResolved, "target", resolved, "workspace", wsReal)
			return "", fmt.Errorf("access denied: broken symlink target outside workspace")
		}
		return resolved, nil
	}

	// Plainly absent file: canonicalize whatever prefix exists so a write
	// into a directory the tool is about to create still validates.
	resolved, err := resolveThroughExistingAncestors(absResolved)
	if err != nil {
		return "", fmt.Errorf("access denied: cannot resolve path")
	}
	return resolved, nil
}

// isPathInside reports whether child is parent or lives under it.
func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// resolveThroughExistingAncestors canonicalizes the deepest existing
// ancestor of target and rejoins the missing tail components.
func resolveThroughExistingAncestors(target string) (string, error) {
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	}

	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
	return filepath.Clean(target), nil
}

// hasMutableSymlinkParent reports whether any component of path is a
// symlink sitting in a directory this process can write. Such a link can
// be swapped between resolution and the actual file operation.
func hasMutableSymlinkParent(path string) bool {
	clean := filepath.Clean(path)
	components := strings.Split(clean, string(filepath.Separator))
	current := string(filepath.Separator)
	for _, comp := range components {
		if comp == "" {
			continue
		}
		current = filepath.Join(current, comp)
		info, err := os.Lstat(current)
		if err != nil {
			break
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if syscall.Access(filepath.Dir(current), 0x2 /* W_OK */) == nil {
				return true
			}
		}
	}
	return false
}

// checkHardlink rejects regular files with nlink > 1. Directories always
// have multiple links and are exempt.
func checkHardlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		// Absent files fail later at read/write.
		return nil
	}
	if info.IsDir() {
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Nlink > 1 {
		slog.Warn("hardlinked file rejected", "path", path, "nlink", stat.Nlink)
		return fmt.Errorf("access denied: hardlinked file not allowed")
	}
	return nil
}
