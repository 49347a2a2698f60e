package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quietloop/steward/internal/archive"
	"github.com/quietloop/steward/internal/bootstrap"
	"github.com/quietloop/steward/internal/bridge"
	"github.com/quietloop/steward/internal/bus"
	"github.com/quietloop/steward/internal/channels"
	"github.com/quietloop/steward/internal/channels/discord"
	"github.com/quietloop/steward/internal/channels/feishu"
	"github.com/quietloop/steward/internal/channels/telegram"
	"github.com/quietloop/steward/internal/channels/whatsapp"
	"github.com/quietloop/steward/internal/config"
	"github.com/quietloop/steward/internal/core"
	"github.com/quietloop/steward/internal/gateway"
	"github.com/quietloop/steward/internal/orchestrator"
	"github.com/quietloop/steward/internal/pipeline"
	"github.com/quietloop/steward/internal/policy"
	"github.com/quietloop/steward/internal/policy/admin"
	"github.com/quietloop/steward/internal/providers"
	"github.com/quietloop/steward/internal/responder"
	"github.com/quietloop/steward/internal/scheduler"
	"github.com/quietloop/steward/internal/security"
	"github.com/quietloop/steward/internal/sessions"
	"github.com/quietloop/steward/internal/store"
	"github.com/quietloop/steward/internal/store/file"
	"github.com/quietloop/steward/internal/store/pg"
	"github.com/quietloop/steward/internal/telemetry"
	"github.com/quietloop/steward/internal/tools"
	"github.com/quietloop/steward/internal/tracing"
)

// pipelineDedupe sizes the inbound duplicate suppressor. Redelivered
// webhook/bridge messages arrive within minutes, not hours.
const (
	pipelineDedupeTTL  = 20 * time.Minute
	pipelineDedupeSize = 4096
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the assistant gateway (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
		fmt.Println("No configuration found. Starting setup wizard...")
		fmt.Println()
		runOnboard()
		return
	}

	for _, dir := range []string{config.DataDir(), config.VarDir(), config.LogsDir(), config.RunDir()} {
		if _, err := config.EnsureDir(dir); err != nil {
			slog.Error("failed to create state directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	// Workspace must be absolute: the system prompt embeds it and the
	// file tools resolve against it.
	workspace := config.ExpandHome(cfg.Agents.Defaults.Workspace)
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(workspace, 0o755)

	if seeded, seedErr := bootstrap.EnsureWorkspaceFiles(workspace); seedErr != nil {
		slog.Warn("workspace template seeding failed", "error", seedErr)
	} else if len(seeded) > 0 {
		slog.Info("seeded workspace templates", "files", seeded)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing setup failed", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	msgBus := bus.NewMessageBus(bus.Options{
		InboundCapacity:  cfg.Bus.InboundCapacity,
		OutboundCapacity: cfg.Bus.OutboundCapacity,
		ReactionCapacity: cfg.Bus.ReactionCapacity,
	})

	replyArchive, err := archive.Open(config.ArchivePath(), cfg.Archive.RetentionDays)
	if err != nil {
		slog.Error("failed to open reply archive", "error", err)
		os.Exit(1)
	}
	defer replyArchive.Close()

	sessStore, err := openSessionStore(cfg)
	if err != nil {
		slog.Error("failed to open session store", "backend", cfg.Sessions.Backend, "error", err)
		os.Exit(1)
	}
	defer sessStore.Close()

	// Model routing and credentials.
	modelRouter := providers.NewRouter(cfg.Models)
	client := providers.NewClient(modelRouter, cfg.Providers)
	synthesizer := providers.NewSynthesizer(modelRouter, cfg.Providers, cfg.Channels.WhatsApp.Media.MaxTTSConcurrency)

	secEngine := security.NewEngine(cfg.Security)
	var classifier pipeline.InputClassifier
	if cfg.Security.Classifier.Enabled {
		route := cfg.Security.Classifier.Route
		if route == "" {
			route = providers.RouteSecurityClassify
		}
		classifier = security.NewClassifier(client.Completion(route, ""))
		slog.Info("input classifier enabled", "route", route)
	}

	toolsReg := tools.NewRegistry()
	defer toolsReg.Close()
	registerBuiltinTools(toolsReg, cfg, workspace)

	// send_voice registers before the policy watcher so allowlists
	// naming it validate. Group resolution binds once admin exists.
	voiceSender := pipeline.NewVoiceSender(synthesizer, filepath.Join(config.VarDir(), "audio"))
	voiceSend := makeVoiceSendFunc(msgBus, voiceSender)
	var groupResolve tools.GroupResolveFunc
	toolsReg.Register(tools.NewSendVoiceTool(voiceSend, func(ref string) (string, error) {
		if groupResolve == nil {
			return "", fmt.Errorf("group resolution unavailable")
		}
		return groupResolve(ref)
	}))

	// WhatsApp bridge process. The supervisor owns the Node runtime;
	// the channel adapter only speaks the socket.
	var supervisor *bridge.Supervisor
	var subjects *bridge.SubjectCache
	if cfg.Channels.WhatsApp.Enabled {
		supervisor = bridge.NewSupervisor(cfg.Channels.WhatsApp, bridgeArtifactDir(), config.RunDir(), config.LogsDir())
		report := supervisor.EnsureReady(ctx, cfg.Channels.WhatsApp.BridgeAutoRepair, true)
		slog.Info("bridge ready check",
			"running", report.Running, "started", report.Started,
			"repaired", report.Repaired, "health", report.Health, "pid", report.PID)
		if report.Message != "" {
			slog.Warn("bridge not healthy", "message", report.Message, "log", report.LogPath)
		}
		subjects = bridge.NewSubjectCache(supervisor)
	}

	// An invalid policy file at startup is fatal: running without the
	// configured access rules is worse than not running.
	watcher, err := policy.NewWatcher(config.PolicyPath(), workspace, toolsReg.Names(), nil)
	if err != nil {
		slog.Error("failed to load policy", "path", config.PolicyPath(), "error", err)
		os.Exit(1)
	}
	defer watcher.Close()

	var subjectResolver admin.SubjectResolver
	if subjects != nil {
		subjectResolver = func(ids []string) map[string]string {
			all := subjects.Subjects(context.Background())
			out := make(map[string]string, len(ids))
			for _, id := range ids {
				if subject, ok := all[id]; ok {
					out[id] = subject
				}
			}
			return out
		}
	}

	adminSvc := admin.NewService(admin.Options{
		PolicyPath:      config.PolicyPath(),
		Workspace:       workspace,
		KnownTools:      toolsReg.Names(),
		OnApplied:       watcher.Apply,
		SubjectResolver: subjectResolver,
	})
	adminRouter := admin.NewRouter(
		admin.NewPolicyHandler(adminSvc),
		admin.NewApproveHandler(adminSvc, false),
		admin.NewApproveHandler(adminSvc, true),
		admin.NewDenyHandler(adminSvc),
		admin.NewResetSessionHandler(sessStore),
	)

	channelMgr := channels.NewManager(msgBus)

	groupResolve = func(ref string) (string, error) {
		return adminSvc.ResolveGroupReference(ref, watcher.Engine().Document())
	}

	replyGen := responder.New(responder.Options{
		Client:        client,
		Tools:         toolsReg,
		Sessions:      sessStore,
		Security:      secEngine,
		Workspace:     workspace,
		MaxIterations: cfg.Agents.Defaults.MaxToolIterations,
		MaxTokens:     cfg.Agents.Defaults.MaxTokens,
		Temperature:   cfg.Agents.Defaults.Temperature,
		MaxImageEdge:  cfg.Channels.WhatsApp.Media.MaxImageEdge,
	})

	seenChats, err := pipeline.LoadSeenChats(config.SeenChatsPath())
	if err != nil {
		slog.Error("failed to load seen-chats state", "error", err)
		os.Exit(1)
	}

	typing := makeTypingFunc(channelMgr)
	runner := pipeline.NewRunner(
		pipeline.Normalize{},
		pipeline.NewDedupe(bus.NewDedupeCache(pipelineDedupeTTL, pipelineDedupeSize)),
		pipeline.NewArchiver(replyArchive),
		pipeline.NewReplyContext(replyArchive, cfg.Channels.WhatsApp.ReplyContext),
		pipeline.NewAdminIntercept(adminRouter, watcher),
		pipeline.NewPolicyStage(watcher),
		pipeline.NewIdeaCapture(secEngine),
		pipeline.NewAccessGate(secEngine),
		pipeline.NewNewChatNotify(seenChats, watcher),
		pipeline.NewNoReplyFilter(secEngine),
		pipeline.NewInputSecurityStage(secEngine, classifier),
		pipeline.NewResponderStage(replyGen, typingAdapter{typing}),
		pipeline.NewOutbound(secEngine, voiceSender, pipeline.NewOwnerAlerter(watcher, 0)),
	)

	memoryStore := orchestrator.NewFileMemoryStore(filepath.Join(config.DataDir(), "memory", "memory.jsonl"))
	notesBatch := watcher.Engine().Document().MemoryNotes.Batch
	notes := orchestrator.NewNotesCollector(memoryStore, notesBatch.IntervalSeconds, notesBatch.MaxMessages)

	metrics := telemetry.NewMemory()
	dispatcher := orchestrator.NewDispatcher(orchestrator.DispatcherOptions{
		Router:   msgBus,
		Sessions: sessStore,
		Notes:    notes,
		Memory:   memoryStore,
		Metrics:  metrics,
		Typing:   typing,
	})
	consumer := orchestrator.NewService(msgBus, runner, dispatcher)

	cronStore, err := scheduler.LoadStore(config.CronJobsPath())
	if err != nil {
		slog.Error("failed to load cron jobs", "error", err)
		os.Exit(1)
	}
	cron := scheduler.NewCron(cronStore, msgBus, voiceSend)
	heartbeat := scheduler.NewHeartbeat(msgBus, cfg.Heartbeat, workspace)

	registerChannels(channelMgr, cfg, msgBus, supervisor)

	statusServer := gateway.NewServer(gateway.Options{
		Config:     cfg.Gateway,
		Tailscale:  cfg.Tailscale,
		Events:     msgBus,
		Bus:        msgBus,
		Channels:   channelMgr,
		PolicyHash: watcher.Hash,
		Version:    Version,
	})

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		channelMgr.StopAll(shutdownCtx)
		notes.FlushAll(shutdownCtx)
		if supervisor != nil {
			if err := supervisor.Stop(); err != nil {
				slog.Warn("bridge stop failed", "error", err)
			}
		}
	}()

	slog.Info("steward gateway starting",
		"version", Version,
		"workspace", workspace,
		"tools", toolsReg.Names(),
		"channels", enabledChannelNames(cfg),
		"policy_hash", watcher.Hash(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return cron.Run(gctx) })
	g.Go(func() error { return heartbeat.Run(gctx) })
	g.Go(func() error { notes.Run(gctx); return nil })
	g.Go(func() error { return statusServer.Start(gctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("steward gateway stopped")
}

// openSessionStore picks the transcript backend. Postgres is opt-in;
// the file store under the steward home needs no setup.
func openSessionStore(cfg *config.Config) (store.SessionStore, error) {
	if cfg.Sessions.Backend == "postgres" {
		if cfg.Sessions.PostgresDSN == "" {
			return nil, fmt.Errorf("sessions backend is postgres but STEWARD_POSTGRES_DSN is not set")
		}
		db, err := pg.OpenDB(cfg.Sessions.PostgresDSN)
		if err != nil {
			return nil, err
		}
		slog.Info("session store: postgres")
		return pg.NewPGSessionStore(db), nil
	}

	dir := cfg.Sessions.Dir
	if dir == "" {
		dir = config.SessionsDir()
	}
	mgr, err := sessions.NewManager(config.ExpandHome(dir))
	if err != nil {
		return nil, err
	}
	slog.Info("session store: file", "dir", config.ExpandHome(dir))
	return file.NewFileSessionStore(mgr), nil
}

func registerBuiltinTools(reg *tools.Registry, cfg *config.Config, workspace string) {
	restrict := cfg.Tools.RestrictToWorkspace
	reg.Register(tools.NewReadFileTool(workspace, restrict))
	reg.Register(tools.NewWriteFileTool(workspace, restrict))
	reg.Register(tools.NewEditFileTool(workspace, restrict))
	reg.Register(tools.NewListDirTool(workspace, restrict))
	reg.Register(tools.NewExecTool(workspace, restrict, time.Duration(cfg.Tools.Exec.TimeoutSec)*time.Second))
	reg.Register(tools.NewWebFetchTool(tools.WebFetchOptions{
		MaxChars: cfg.Tools.Web.Fetch.MaxBytes,
		Timeout:  time.Duration(cfg.Tools.Web.Fetch.TimeoutSec) * time.Second,
	}))
	reg.Register(tools.NewWebSearchTool(tools.WebSearchOptions{
		BraveAPIKey: cfg.Tools.Web.Search.BraveAPIKey,
		MaxResults:  cfg.Tools.Web.Search.MaxResults,
		Timeout:     time.Duration(cfg.Tools.Web.Search.TimeoutSec) * time.Second,
	}))
}

func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus, supervisor *bridge.Supervisor) {
	if cfg.Channels.WhatsApp.Enabled && supervisor != nil {
		mgr.Register(whatsapp.New(cfg.Channels.WhatsApp, msgBus, supervisor.Token))
		slog.Info("whatsapp channel enabled")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			mgr.Register(tg)
			slog.Info("telegram channel enabled")
		}
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("failed to initialize discord channel", "error", err)
		} else {
			mgr.Register(dc)
			slog.Info("discord channel enabled")
		}
	}
	if cfg.Channels.Feishu.Enabled {
		fs, err := feishu.New(cfg.Channels.Feishu, msgBus)
		if err != nil {
			slog.Error("failed to initialize feishu channel", "error", err)
		} else {
			mgr.Register(fs)
			slog.Info("feishu channel enabled")
		}
	}
}

func enabledChannelNames(cfg *config.Config) []string {
	var names []string
	if cfg.Channels.WhatsApp.Enabled {
		names = append(names, "whatsapp")
	}
	if cfg.Channels.Telegram.Enabled {
		names = append(names, "telegram")
	}
	if cfg.Channels.Discord.Enabled {
		names = append(names, "discord")
	}
	if cfg.Channels.Feishu.Enabled {
		names = append(names, "feishu")
	}
	return names
}

// bridgeArtifactDir locates the Node bridge checkout. The artifacts
// ship alongside the binary in release bundles; STEWARD_BRIDGE_DIR
// overrides for development.
func bridgeArtifactDir() string {
	if v := os.Getenv("STEWARD_BRIDGE_DIR"); v != "" {
		return v
	}
	return filepath.Join(config.DataDir(), "bridge")
}

// makeVoiceSendFunc is the one shared voice path: the send_voice tool
// and cron voice_broadcast jobs both synthesize through the pipeline's
// voice sender and publish the note as outbound media.
func makeVoiceSendFunc(router bus.MessageRouter, voice *pipeline.VoiceSender) tools.VoiceSendFunc {
	return func(ctx context.Context, req tools.VoiceSendRequest) (string, error) {
		settings := core.VoiceSettings{
			Route:        req.TTSRoute,
			Voice:        req.Voice,
			Format:       "opus",
			MaxSentences: req.MaxSentences,
			MaxChars:     req.MaxChars,
		}
		if req.Verbatim {
			settings.MaxSentences = 0
			settings.MaxChars = 0
		}
		path, reason := voice.Synthesize(ctx, req.Channel, req.Content, settings)
		if path == "" {
			return "", fmt.Errorf("voice synthesis failed: %s", reason)
		}
		router.PublishOutbound(bus.OutboundMessage{
			Channel: req.Channel,
			ChatID:  req.ChatID,
			ReplyTo: req.ReplyTo,
			Media:   []bus.MediaAttachment{{URL: path, ContentType: "audio/ogg"}},
		})
		return fmt.Sprintf("voice note sent to %s:%s", req.Channel, req.ChatID), nil
	}
}

func makeTypingFunc(mgr *channels.Manager) orchestrator.TypingFunc {
	return func(ctx context.Context, channel, chatID string, enabled bool) {
		ch, ok := mgr.Get(channel)
		if !ok {
			return
		}
		ta, ok := ch.(channels.TypingAware)
		if !ok {
			return
		}
		if err := ta.SetTyping(ctx, chatID, enabled); err != nil {
			slog.Debug("typing toggle failed", "channel", channel, "chat", chatID, "error", err)
		}
	}
}

// typingAdapter lets the responder stage flip typing indicators through
// the same function the dispatcher uses.
type typingAdapter struct {
	fn orchestrator.TypingFunc
}

func (t typingAdapter) SetTyping(ctx context.Context, channel, chatID string, enabled bool) {
	if t.fn != nil {
		t.fn(ctx, channel, chatID, enabled)
	}
}
