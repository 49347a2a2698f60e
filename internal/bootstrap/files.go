// Package bootstrap seeds the assistant workspace with its standing
// instruction files on first run.
package bootstrap

// Workspace file names. HeartbeatFile, when present, replaces the
// built-in heartbeat prompt.
const (
	AgentsFile    = "AGENTS.md"
	SoulFile      = "SOUL.md"
	ToolsFile     = "TOOLS.md"
	IdentityFile  = "IDENTITY.md"
	UserFile      = "USER.md"
	HeartbeatFile = "HEARTBEAT.md"
	BootstrapFile = "BOOTSTRAP.md"
)
