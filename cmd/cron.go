package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/quietloop/steward/internal/bus"
	"github.com/quietloop/steward/internal/channels"
	"github.com/quietloop/steward/internal/config"
	"github.com/quietloop/steward/internal/core"
	"github.com/quietloop/steward/internal/pipeline"
	"github.com/quietloop/steward/internal/policy"
	"github.com/quietloop/steward/internal/providers"
	"github.com/quietloop/steward/internal/responder"
	"github.com/quietloop/steward/internal/scheduler"
	"github.com/quietloop/steward/internal/security"
	"github.com/quietloop/steward/internal/tools"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRmCmd())
	cmd.AddCommand(cronRunCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobStore, err := scheduler.LoadStore(config.CronJobsPath())
			if err != nil {
				return err
			}
			jobs := jobStore.Jobs()
			if len(jobs) == 0 {
				fmt.Println("No jobs scheduled.")
				return nil
			}

			fmt.Printf("%-10s %-20s %-22s %-16s %-18s %s\n",
				"ID", "NAME", "SCHEDULE", "PAYLOAD", "LAST RUN", "ENABLED")
			for _, job := range jobs {
				enabled := "yes"
				if !job.Enabled {
					enabled = "no"
				}
				fmt.Printf("%-10s %-20s %-22s %-16s %-18s %s\n",
					job.ID,
					cellTruncate(job.Name, 20),
					cellTruncate(describeSchedule(job.Schedule), 22),
					cellTruncate(describePayload(job.Payload), 16),
					formatRunTime(job.LastRunMS),
					enabled,
				)
			}
			return nil
		},
	}
}

func cronAddCmd() *cobra.Command {
	var (
		name     string
		every    time.Duration
		cronExpr string
		at       string
		message  string
		deliver  bool
		channel  string
		to       string
		voice    bool
		voiceID  string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		Example: "  steward cron add --name standup --cron \"0 9 * * 1-5\" --message \"Summarize my inbox\"\n" +
			"  steward cron add --every 4h --message \"water reminder\" --deliver --channel whatsapp --to 4915...@s.whatsapp.net\n" +
			"  steward cron add --at 2026-09-01T08:00:00Z --voice --message \"Happy launch day!\" --channel telegram --to 12345",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobStore, err := scheduler.LoadStore(config.CronJobsPath())
			if err != nil {
				return err
			}

			job := scheduler.Job{
				Name:    name,
				Enabled: !disabled,
				Payload: scheduler.Payload{
					Kind:    scheduler.PayloadText,
					Message: message,
					Deliver: deliver,
					Channel: channel,
					To:      to,
				},
			}
			if voice {
				job.Payload.Kind = scheduler.PayloadVoiceBroadcast
				job.Payload.Voice = voiceID
			}

			switch {
			case every > 0:
				job.Schedule = scheduler.Schedule{Kind: scheduler.ScheduleEvery, EveryMS: every.Milliseconds()}
			case cronExpr != "":
				job.Schedule = scheduler.Schedule{Kind: scheduler.ScheduleCron, Expr: cronExpr}
			case at != "":
				ts, parseErr := time.Parse(time.RFC3339, at)
				if parseErr != nil {
					return fmt.Errorf("parse --at: %w", parseErr)
				}
				job.Schedule = scheduler.Schedule{Kind: scheduler.ScheduleAt, AtMS: ts.UnixMilli()}
			default:
				return fmt.Errorf("one of --every, --cron or --at is required")
			}

			added, err := jobStore.Add(job)
			if err != nil {
				return err
			}
			fmt.Printf("added job %s (%s)\n", added.ID, describeSchedule(added.Schedule))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "human-readable job name")
	cmd.Flags().DurationVar(&every, "every", 0, "fixed interval, e.g. 30m, 4h")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression, e.g. \"0 9 * * 1-5\"")
	cmd.Flags().StringVar(&at, "at", "", "one-shot RFC3339 timestamp")
	cmd.Flags().StringVar(&message, "message", "", "prompt (text jobs) or phrase (voice jobs)")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "deliver the reply to --channel/--to instead of the system channel")
	cmd.Flags().StringVar(&channel, "channel", "", "delivery channel")
	cmd.Flags().StringVar(&to, "to", "", "delivery chat id")
	cmd.Flags().BoolVar(&voice, "voice", false, "voice_broadcast payload (synthesized voice note)")
	cmd.Flags().StringVar(&voiceID, "voice-id", "", "TTS voice name for voice jobs")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the job disabled")
	return cmd
}

func cronRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobStore, err := scheduler.LoadStore(config.CronJobsPath())
			if err != nil {
				return err
			}
			removed, err := jobStore.Remove(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no job with id %s", args[0])
			}
			fmt.Printf("removed job %s\n", args[0])
			return nil
		},
	}
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Fire a job immediately, outside its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobStore, err := scheduler.LoadStore(config.CronJobsPath())
			if err != nil {
				return err
			}
			job, ok := jobStore.Get(args[0])
			if !ok {
				return fmt.Errorf("no job with id %s", args[0])
			}
			return runJobOnce(job)
		},
	}
}

// runJobOnce executes one job in a short-lived runtime: the model and
// TTS calls happen here, and when the job targets a real chat the
// enabled channel adapters deliver before the process exits.
func runJobOnce(job scheduler.Job) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	workspace := config.ExpandHome(cfg.Agents.Defaults.Workspace)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	msgBus := bus.NewMessageBus(bus.Options{})
	modelRouter := providers.NewRouter(cfg.Models)
	client := providers.NewClient(modelRouter, cfg.Providers)
	synthesizer := providers.NewSynthesizer(modelRouter, cfg.Providers, cfg.Channels.WhatsApp.Media.MaxTTSConcurrency)
	voiceSender := pipeline.NewVoiceSender(synthesizer, config.VarDir())
	voiceSend := makeVoiceSendFunc(msgBus, voiceSender)

	wantsDelivery := job.Payload.Kind == scheduler.PayloadVoiceBroadcast ||
		(job.Payload.Deliver && job.Payload.Channel != "" && job.Payload.To != "")

	channelMgr := channels.NewManager(msgBus)
	if wantsDelivery {
		registerChannels(channelMgr, cfg, msgBus, nil)
		if err := channelMgr.StartAll(ctx); err != nil {
			return fmt.Errorf("start channels: %w", err)
		}
		defer channelMgr.StopAll(context.Background())
	}

	if job.Payload.Kind == scheduler.PayloadVoiceBroadcast {
		cron := scheduler.NewCron(nil, msgBus, voiceSend)
		cron.Execute(ctx, job)
		return drainOutbound(ctx, msgBus)
	}

	// Text job: generate the reply here instead of queueing it for a
	// gateway that may not be running.
	toolsReg := tools.NewRegistry()
	defer toolsReg.Close()
	registerBuiltinTools(toolsReg, cfg, workspace)
	toolsReg.Register(tools.NewSendVoiceTool(voiceSend, nil))

	watcher, err := policy.NewWatcher(config.PolicyPath(), workspace, toolsReg.Names(), nil)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	defer watcher.Close()

	sessStore, err := openSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer sessStore.Close()

	gen := responder.New(responder.Options{
		Client:        client,
		Tools:         toolsReg,
		Sessions:      sessStore,
		Security:      security.NewEngine(cfg.Security),
		Workspace:     workspace,
		MaxIterations: cfg.Agents.Defaults.MaxToolIterations,
		MaxTokens:     cfg.Agents.Defaults.MaxTokens,
		Temperature:   cfg.Agents.Defaults.Temperature,
	})

	ev := core.InboundEvent{
		Channel:   "system",
		SenderID:  "cron",
		ChatID:    "cron:" + job.ID,
		Content:   job.Payload.Message,
		Timestamp: time.Now().UnixMilli(),
	}
	if wantsDelivery {
		ev.ChatID = job.Payload.Channel + ":" + job.Payload.To
	}
	decision := watcher.Evaluate(&ev)

	reply, err := gen.GenerateReply(ctx, &ev, &decision)
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}

	if !wantsDelivery {
		fmt.Println(reply)
		return nil
	}
	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: job.Payload.Channel,
		ChatID:  job.Payload.To,
		Content: reply,
	})
	return drainOutbound(ctx, msgBus)
}

// drainOutbound waits until the channel dispatch loops have taken every
// queued message, plus a short grace for in-flight sends.
func drainOutbound(ctx context.Context, msgBus *bus.MessageBus) error {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		sizes := msgBus.Sizes()
		if sizes["outbound"] == 0 && sizes["reaction"] == 0 {
			time.Sleep(2 * time.Second)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("outbound queue did not drain")
}

func describeSchedule(s scheduler.Schedule) string {
	switch s.Kind {
	case scheduler.ScheduleEvery:
		return "every " + (time.Duration(s.EveryMS) * time.Millisecond).String()
	case scheduler.ScheduleCron:
		return "cron " + s.Expr
	case scheduler.ScheduleAt:
		return "at " + time.UnixMilli(s.AtMS).Format("2006-01-02 15:04")
	default:
		return s.Kind
	}
}

func describePayload(p scheduler.Payload) string {
	if p.Kind == scheduler.PayloadVoiceBroadcast {
		return "voice"
	}
	if p.Deliver && p.To != "" {
		return "text -> " + p.Channel
	}
	return "text"
}

func formatRunTime(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

// cellTruncate clips a table cell by display width, not bytes, so CJK
// names and emoji keep the columns aligned.
func cellTruncate(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}
