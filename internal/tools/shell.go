package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const defaultExecTimeout = 60 * time.Second

// execDenyPatterns block destructive commands regardless of configuration.
// Matched against the lowercased command.
var execDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\bdel\s+/[fq]\b`),
	regexp.MustCompile(`\brmdir\s+/s\b`),
	regexp.MustCompile(`\b(format|mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
}

var execPathPattern = regexp.MustCompile(`/[^\s"']+`)

// ExecTool runs shell commands in the workspace.
type ExecTool struct {
	workingDir string
	restrict   bool
	timeout    time.Duration
}

func NewExecTool(workingDir string, restrict bool, timeout time.Duration) *ExecTool {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	return &ExecTool{workingDir: workingDir, restrict: restrict, timeout: timeout}
}

func (t *ExecTool) Name() string { return "exec" }
func (t *ExecTool) Description() string {
	return "Execute a shell command and return its output. Use with caution."
}

func (t *ExecTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	cwd := t.workingDir
	if wd, _ := args["working_dir"].(string); wd != "" {
		if t.restrict {
			resolved, err := resolvePath(wd, t.workingDir, true)
			if err != nil {
				return "", err
			}
			cwd = resolved
		} else {
			cwd = wd
		}
	}

	if guard := t.guardCommand(command, cwd); guard != "" {
		return guard, nil
	}
	return t.run(ctx, command, cwd)
}

// guardCommand is a best-effort safety net for destructive commands. It
// returns a model-visible refusal, or "" when the command may run.
func (t *ExecTool) guardCommand(command, cwd string) string {
	lower := strings.ToLower(strings.TrimSpace(command))
	for _, pattern := range execDenyPatterns {
		if pattern.MatchString(lower) {
			return "Error: Command blocked by safety guard (dangerous pattern detected)"
		}
	}

	if !t.restrict {
		return ""
	}
	if strings.Contains(command, "../") || strings.Contains(command, "..\\") {
		return "Error: Command blocked by safety guard (path traversal detected)"
	}
	cwdReal, err := filepath.EvalSymlinks(cwd)
	if err != nil {
		cwdReal = cwd
	}
	for _, raw := range execPathPattern.FindAllString(command, -1) {
		p, err := filepath.Abs(raw)
		if err != nil {
			continue
		}
		if real, err := filepath.EvalSymlinks(p); err == nil {
			p = real
		}
		if !isPathInside(p, cwdReal) {
			return "Error: Command blocked by safety guard (path outside working dir)"
		}
	}
	return ""
}

func (t *ExecTool) run(ctx context.Context, command, cwd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var result string
	if stdout.Len() > 0 {
		result = stdout.String()
	}
	if stderr.Len() > 0 {
		if result != "" {
			result += "\n"
		}
		result += "STDERR:\n" + stderr.String()
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("command timed out after %s", t.timeout)
		}
		if result == "" {
			result = err.Error()
		}
		return result, nil
	}
	if result == "" {
		result = "(command completed with no output)"
	}
	return result, nil
}
