package config

import (
	"os"
	"path/filepath"
	"strings"
)

// HomeDir returns the steward data directory. Honors STEWARD_HOME,
// falling back to ~/.steward.
func HomeDir() string {
	if v := strings.TrimSpace(os.Getenv("STEWARD_HOME")); v != "" {
		return ExpandHome(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".steward"
	}
	return filepath.Join(home, ".steward")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(HomeDir(), "config.json")
}

// PolicyPath returns the policy document location.
func PolicyPath() string {
	return filepath.Join(HomeDir(), "policy.json")
}

// DataDir returns the long-lived operational data directory.
func DataDir() string {
	return filepath.Join(HomeDir(), "data")
}

// VarDir returns the ephemeral state directory.
func VarDir() string {
	return filepath.Join(HomeDir(), "var")
}

// LogsDir returns the log file directory.
func LogsDir() string {
	return filepath.Join(VarDir(), "logs")
}

// RunDir returns the PID/socket directory.
func RunDir() string {
	return filepath.Join(VarDir(), "run")
}

// SessionsDir returns the session history directory.
func SessionsDir() string {
	return filepath.Join(DataDir(), "inbound")
}

// ArchivePath returns the reply archive database location.
func ArchivePath() string {
	return filepath.Join(DataDir(), "inbound", "reply_context.db")
}

// CronJobsPath returns the cron job store location.
func CronJobsPath() string {
	return filepath.Join(DataDir(), "cron", "jobs.json")
}

// SeenChatsPath returns the seen-chats registry location.
func SeenChatsPath() string {
	return filepath.Join(HomeDir(), "seen_chats.json")
}

// EnsureDir creates dir (and parents) if missing and returns it.
func EnsureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
