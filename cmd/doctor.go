package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quietloop/steward/internal/archive"
	"github.com/quietloop/steward/internal/bridge"
	"github.com/quietloop/steward/internal/config"
	"github.com/quietloop/steward/internal/policy"
	"github.com/quietloop/steward/internal/store/pg"
	"github.com/quietloop/steward/internal/tools"
	"github.com/quietloop/steward/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("steward doctor")
	fmt.Printf("  Version:  %s (bridge protocol %d)\n", Version, protocol.Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — run: steward onboard)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	workspace := config.ExpandHome(cfg.Agents.Defaults.Workspace)

	// Policy, validated against the same tool names the gateway registers.
	toolsReg := tools.NewRegistry()
	registerBuiltinTools(toolsReg, cfg, workspace)
	toolsReg.Register(tools.NewSendVoiceTool(nil, nil))

	fmt.Printf("  Policy:   %s", config.PolicyPath())
	if doc, loadErr := policy.Load(config.PolicyPath()); loadErr != nil {
		fmt.Printf(" (INVALID: %s)\n", loadErr)
	} else if valErr := policy.NewEngine(doc, workspace, nil).Validate(toolsReg.Names()); valErr != nil {
		fmt.Printf(" (VALIDATION FAILED: %s)\n", valErr)
	} else {
		owners := 0
		for _, list := range doc.Owners {
			owners += len(list)
		}
		fmt.Printf(" (OK, %d owners, %d channel overrides)\n", owners, len(doc.Channels))
	}

	// Reply archive
	fmt.Printf("  Archive:  %s", config.ArchivePath())
	if a, openErr := archive.Open(config.ArchivePath(), cfg.Archive.RetentionDays); openErr != nil {
		fmt.Printf(" (OPEN FAILED: %s)\n", openErr)
	} else {
		a.Close()
		fmt.Println(" (OK)")
	}

	// Sessions backend
	fmt.Println()
	fmt.Println("  Sessions:")
	if cfg.Sessions.Backend == "postgres" {
		if cfg.Sessions.PostgresDSN == "" {
			fmt.Printf("    %-12s postgres (STEWARD_POSTGRES_DSN not set)\n", "Backend:")
		} else if db, dbErr := pg.OpenDB(cfg.Sessions.PostgresDSN); dbErr != nil {
			fmt.Printf("    %-12s postgres (CONNECT FAILED: %s)\n", "Backend:", dbErr)
		} else {
			db.Close()
			fmt.Printf("    %-12s postgres (OK)\n", "Backend:")
		}
	} else {
		dir := cfg.Sessions.Dir
		if dir == "" {
			dir = config.SessionsDir()
		}
		fmt.Printf("    %-12s file (%s)\n", "Backend:", config.ExpandHome(dir))
	}

	// Providers
	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("OpenAI", cfg.Providers.OpenAI.APIKey)
	checkProvider("OpenRouter", cfg.Providers.OpenRouter.APIKey)
	checkProvider("Groq", cfg.Providers.Groq.APIKey)
	checkProvider("DeepSeek", cfg.Providers.DeepSeek.APIKey)
	checkProvider("Gemini", cfg.Providers.Gemini.APIKey)
	checkProvider("ElevenLabs", cfg.Providers.ElevenLabs.APIKey)

	// Channels
	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("WhatsApp", cfg.Channels.WhatsApp.Enabled, true)
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	checkChannel("Feishu", cfg.Channels.Feishu.Enabled, cfg.Channels.Feishu.AppID != "")

	// WhatsApp bridge
	if cfg.Channels.WhatsApp.Enabled {
		fmt.Println()
		fmt.Println("  Bridge:")
		checkBinary("node")
		supervisor := bridge.NewSupervisor(cfg.Channels.WhatsApp, bridgeArtifactDir(), config.RunDir(), config.LogsDir())
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		report := supervisor.EnsureReady(ctx, false, false)
		cancel()
		fmt.Printf("    %-12s %s", "Health:", report.Health)
		if report.PID > 0 {
			fmt.Printf(" (pid %d)", report.PID)
		}
		fmt.Println()
		if report.Message != "" {
			fmt.Printf("    %-12s %s\n", "Note:", report.Message)
		}
		if report.LogPath != "" {
			fmt.Printf("    %-12s %s\n", "Log:", report.LogPath)
		}
	}

	// Workspace
	fmt.Println()
	fmt.Printf("  Workspace: %s", workspace)
	if _, err := os.Stat(workspace); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name, apiKey string) {
	if apiKey != "" {
		fmt.Printf("    %-12s %s\n", name+":", maskKey(apiKey))
	} else {
		fmt.Printf("    %-12s (not configured)\n", name+":")
	}
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkBinary(name string) {
	if path, err := exec.LookPath(name); err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
