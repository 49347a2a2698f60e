// Package bridge supervises the Node WhatsApp bridge process: spawning,
// stopping, health checking over its websocket, and keeping the shared
// auth token rotated. The gateway and `steward doctor` both drive it
// through EnsureReady.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/quietloop/steward/internal/config"
	"github.com/quietloop/steward/pkg/protocol"
)

// healthTimeout bounds the websocket health handshake.
const healthTimeout = 5 * time.Second

const (
	pidFileName   = "whatsapp-bridge.pid"
	tokenFileName = "bridge_token"
	logFileName   = "whatsapp-bridge.log"
)

// Health states reported by ReadyReport.
const (
	HealthOK          = "ok"
	HealthUnreachable = "unreachable"
	HealthStopped     = "stopped"
)

// ReadyReport summarizes one EnsureReady pass.
type ReadyReport struct {
	Running  bool   `json:"running"`
	Started  bool   `json:"started"`
	Repaired bool   `json:"repaired"`
	PID      int    `json:"pid,omitempty"`
	Health   string `json:"health"`
	LogPath  string `json:"log_path,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Supervisor manages the bridge process lifecycle.
type Supervisor struct {
	cfg config.WhatsAppConfig

	artifactDir string // bridge checkout with package.json
	runDir      string // pidfile + token file
	logDir      string
}

func NewSupervisor(cfg config.WhatsAppConfig, artifactDir, runDir, logDir string) *Supervisor {
	return &Supervisor{cfg: cfg, artifactDir: artifactDir, runDir: runDir, logDir: logDir}
}

func (s *Supervisor) pidPath() string   { return filepath.Join(s.runDir, pidFileName) }
func (s *Supervisor) tokenPath() string { return filepath.Join(s.runDir, tokenFileName) }
func (s *Supervisor) logPath() string   { return filepath.Join(s.logDir, logFileName) }

// Status reports the recorded pid and whether that process is alive.
func (s *Supervisor) Status() (pid int, running bool) {
	data, err := os.ReadFile(s.pidPath())
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	// Signal 0 probes liveness without touching the process.
	if err := syscall.Kill(pid, 0); err != nil {
		return pid, false
	}
	return pid, true
}

// Token returns the shared bridge token, preferring the environment
// over the rotated token file.
func (s *Supervisor) Token() (string, error) {
	if s.cfg.BridgeToken != "" {
		return s.cfg.BridgeToken, nil
	}
	data, err := os.ReadFile(s.tokenPath())
	if err != nil {
		return "", fmt.Errorf("read bridge token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// RotateToken writes a fresh token to the token file and returns it.
// The bridge rereads the file on start, so rotation happens on spawn.
func (s *Supervisor) RotateToken() (string, error) {
	token := uuid.NewString()
	if err := os.MkdirAll(s.runDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(s.tokenPath(), []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write bridge token: %w", err)
	}
	return token, nil
}

// ValidateArtifacts checks that the bridge checkout is runnable.
func (s *Supervisor) ValidateArtifacts() error {
	if s.artifactDir == "" {
		return errors.New("bridge directory not configured")
	}
	if _, err := os.Stat(filepath.Join(s.artifactDir, "package.json")); err != nil {
		return fmt.Errorf("bridge artifacts missing package.json in %s", s.artifactDir)
	}
	if _, err := os.Stat(s.entrypoint()); err != nil {
		return fmt.Errorf("bridge entrypoint missing: %w", err)
	}
	return nil
}

func (s *Supervisor) entrypoint() string {
	built := filepath.Join(s.artifactDir, "dist", "index.js")
	if _, err := os.Stat(built); err == nil {
		return built
	}
	return filepath.Join(s.artifactDir, "index.js")
}

// Start validates artifacts, rotates the token and spawns the bridge
// detached, recording its pid.
func (s *Supervisor) Start(ctx context.Context) error {
	if _, running := s.Status(); running {
		return nil
	}
	if err := s.ValidateArtifacts(); err != nil {
		return err
	}
	token := s.cfg.BridgeToken
	if token == "" {
		var err error
		if token, err = s.RotateToken(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open bridge log: %w", err)
	}
	defer logFile.Close()

	port := s.cfg.BridgePort
	if port == 0 {
		port = 3001
	}
	cmd := exec.CommandContext(context.WithoutCancel(ctx), "node", s.entrypoint())
	cmd.Dir = s.artifactDir
	cmd.Env = append(os.Environ(),
		"BRIDGE_TOKEN="+token,
		"BRIDGE_PORT="+strconv.Itoa(port),
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn bridge: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		slog.Warn("bridge process release failed", "pid", pid, "error", err)
	}
	if err := os.WriteFile(s.pidPath(), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write bridge pidfile: %w", err)
	}
	slog.Info("bridge started", "pid", pid, "log", s.logPath())
	return nil
}

// Stop terminates the recorded process and clears the pidfile.
func (s *Supervisor) Stop() error {
	pid, running := s.Status()
	if !running {
		_ = os.Remove(s.pidPath())
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("stop bridge pid %d: %w", pid, err)
	}
	// Escalate if it ignores SIGTERM.
	for i := 0; i < 20; i++ {
		time.Sleep(250 * time.Millisecond)
		if err := syscall.Kill(pid, 0); err != nil {
			_ = os.Remove(s.pidPath())
			slog.Info("bridge stopped", "pid", pid)
			return nil
		}
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
	_ = os.Remove(s.pidPath())
	slog.Warn("bridge killed after SIGTERM timeout", "pid", pid)
	return nil
}

// Restart stops then starts the bridge.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Health performs the websocket auth+health handshake.
func (s *Supervisor) Health(ctx context.Context) (protocol.HealthOK, error) {
	token, err := s.Token()
	if err != nil {
		return protocol.HealthOK{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, s.cfg.BridgeURL(), nil)
	if err != nil {
		return protocol.HealthOK{}, fmt.Errorf("dial bridge: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := writeFrame(ctx, conn, protocol.TypeAuth, protocol.Auth{Token: token, Version: protocol.Version}); err != nil {
		return protocol.HealthOK{}, err
	}
	if err := writeFrame(ctx, conn, protocol.TypeHealth, protocol.Health{}); err != nil {
		return protocol.HealthOK{}, err
	}
	var health protocol.HealthOK
	if err := awaitFrame(ctx, conn, protocol.TypeHealthOK, &health); err != nil {
		return protocol.HealthOK{}, err
	}
	return health, nil
}

// EnsureReady brings the bridge to a healthy state within the allowed
// actions and reports what it found and did.
func (s *Supervisor) EnsureReady(ctx context.Context, autoRepair, startIfNeeded bool) ReadyReport {
	report := ReadyReport{LogPath: s.logPath()}
	report.PID, report.Running = s.Status()

	if !report.Running {
		report.Health = HealthStopped
		if !startIfNeeded {
			report.Message = "bridge not running"
			return report
		}
		if err := s.Start(ctx); err != nil {
			report.Message = fmt.Sprintf("start failed: %v", err)
			return report
		}
		report.Started = true
		report.PID, report.Running = s.Status()
		s.awaitStartup(ctx)
	}

	if _, err := s.Health(ctx); err == nil {
		report.Health = HealthOK
		return report
	} else if !autoRepair {
		report.Health = HealthUnreachable
		report.Message = fmt.Sprintf("health check failed: %v", err)
		return report
	}

	// Unhealthy but repairable: restart once and re-check.
	if err := s.Restart(ctx); err != nil {
		report.Health = HealthUnreachable
		report.Message = fmt.Sprintf("repair restart failed: %v", err)
		return report
	}
	report.Repaired = true
	report.PID, report.Running = s.Status()
	s.awaitStartup(ctx)

	if _, err := s.Health(ctx); err != nil {
		report.Health = HealthUnreachable
		report.Message = fmt.Sprintf("health check failed after restart: %v", err)
		return report
	}
	report.Health = HealthOK
	return report
}

// awaitStartup gives a freshly spawned bridge time to bind its socket.
func (s *Supervisor) awaitStartup(ctx context.Context) {
	timeout := time.Duration(s.cfg.BridgeStartupTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := s.Health(ctx); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frameType string, payload any) error {
	data, err := protocol.Marshal(frameType, payload)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// awaitFrame reads frames until one of the wanted type arrives,
// surfacing bridge error frames as errors.
func awaitFrame(ctx context.Context, conn *websocket.Conn, frameType string, out any) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read bridge frame: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case frameType:
			return json.Unmarshal(env.Data, out)
		case protocol.TypeError:
			var e protocol.Error
			_ = json.Unmarshal(env.Data, &e)
			return fmt.Errorf("bridge error %s: %s", e.Code, e.Message)
		}
	}
}
