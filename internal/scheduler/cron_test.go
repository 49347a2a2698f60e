package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quietloop/steward/internal/bus"
	"github.com/quietloop/steward/internal/config"
	"github.com/quietloop/steward/internal/tools"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := LoadStore(filepath.Join(t.TempDir(), "cron_jobs.json"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStoreAddValidates(t *testing.T) {
	s := testStore(t)

	cases := []struct {
		name string
		job  Job
	}{
		{"sub-second every", Job{Schedule: Schedule{Kind: ScheduleEvery, EveryMS: 10}, Payload: Payload{Kind: PayloadText, Message: "x"}}},
		{"bad cron expr", Job{Schedule: Schedule{Kind: ScheduleCron, Expr: "not a cron"}, Payload: Payload{Kind: PayloadText, Message: "x"}}},
		{"empty message", Job{Schedule: Schedule{Kind: ScheduleEvery, EveryMS: 60000}, Payload: Payload{Kind: PayloadText}}},
		{"voice without target", Job{Schedule: Schedule{Kind: ScheduleEvery, EveryMS: 60000}, Payload: Payload{Kind: PayloadVoiceBroadcast, Message: "x"}}},
		{"unknown payload", Job{Schedule: Schedule{Kind: ScheduleEvery, EveryMS: 60000}, Payload: Payload{Kind: "mystery", Message: "x"}}},
	}
	for _, tc := range cases {
		if _, err := s.Add(tc.job); err == nil {
			t.Errorf("%s: Add accepted an invalid job", tc.name)
		}
	}

	job, err := s.Add(Job{
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleCron, Expr: "0 9 * * *"},
		Payload:  Payload{Kind: PayloadText, Message: "morning briefing"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.ID == "" {
		t.Error("Add did not assign an id")
	}
}

func TestStorePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron_jobs.json")
	s, err := LoadStore(path)
	if err != nil {
		t.Fatal(err)
	}
	added, err := s.Add(Job{
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMS: 60000},
		Payload:  Payload{Kind: PayloadText, Message: "ping"},
	})
	if err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadStore(path)
	if err != nil {
		t.Fatal(err)
	}
	jobs := reloaded.Jobs()
	if len(jobs) != 1 || jobs[0].ID != added.ID {
		t.Fatalf("jobs after reload = %+v", jobs)
	}

	if ok, err := reloaded.Remove(added.ID); err != nil || !ok {
		t.Fatalf("Remove = %v, %v", ok, err)
	}
	if ok, _ := reloaded.Remove(added.ID); ok {
		t.Error("Remove reported success for a missing job")
	}
}

func TestTextJobPublishesSystemInbound(t *testing.T) {
	b := bus.NewMessageBus(bus.Options{})
	c := NewCron(testStore(t), b, nil)

	// Undeliverable job terminates at the system channel.
	c.Execute(context.Background(), Job{
		ID:      "daily",
		Payload: Payload{Kind: PayloadText, Message: "review inbox"},
	})
	msg, ok := b.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("no inbound published")
	}
	if msg.Channel != "system" || msg.ChatID != "cron:daily" || msg.Content != "review inbox" {
		t.Errorf("message = %+v", msg)
	}

	// Deliverable job packs the destination into the chat id.
	c.Execute(context.Background(), Job{
		ID:      "briefing",
		Payload: Payload{Kind: PayloadText, Message: "summarize", Deliver: true, Channel: "whatsapp", To: "123@g.us"},
	})
	msg, ok = b.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("no inbound published")
	}
	if msg.ChatID != "whatsapp:123@g.us" {
		t.Errorf("chat id = %q, want whatsapp:123@g.us", msg.ChatID)
	}
}

func TestVoiceBroadcastUsesSender(t *testing.T) {
	var got tools.VoiceSendRequest
	send := func(_ context.Context, req tools.VoiceSendRequest) (string, error) {
		got = req
		return "sent", nil
	}
	c := NewCron(testStore(t), bus.NewMessageBus(bus.Options{}), send)

	c.Execute(context.Background(), Job{
		ID: "announce",
		Payload: Payload{
			Kind:          PayloadVoiceBroadcast,
			Channel:       "whatsapp",
			To:            "123@g.us",
			VoiceMessages: []string{"dinner is ready"},
			Voice:         "alloy",
			TTSRoute:      "tts.speak@whatsapp",
		},
	})
	if got.ChatID != "123@g.us" || got.Content != "dinner is ready" {
		t.Errorf("request = %+v", got)
	}
	if !got.Verbatim {
		t.Error("broadcast phrase should send verbatim")
	}
	if got.Voice != "alloy" || got.TTSRoute != "tts.speak@whatsapp" {
		t.Errorf("voice settings = %q %q", got.Voice, got.TTSRoute)
	}
}

func TestOneShotJobRemovedAfterRun(t *testing.T) {
	s := testStore(t)
	b := bus.NewMessageBus(bus.Options{})
	c := NewCron(s, b, nil)
	c.now = func() time.Time { return time.UnixMilli(2_000_000) }

	if _, err := s.Add(Job{
		ID:       "once",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleAt, AtMS: 1_000_000},
		Payload:  Payload{Kind: PayloadText, Message: "one shot"},
	}); err != nil {
		t.Fatal(err)
	}

	c.runDue(context.Background(), c.now())

	if _, ok := b.ConsumeInbound(context.Background()); !ok {
		t.Fatal("due one-shot did not fire")
	}
	if jobs := s.Jobs(); len(jobs) != 0 {
		t.Errorf("one-shot survived execution: %+v", jobs)
	}
}

func TestNextRunSchedules(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)

	every := Job{Schedule: Schedule{Kind: ScheduleEvery, EveryMS: 60_000}, LastRunMS: now.Add(-30 * time.Second).UnixMilli()}
	next, ok := nextRun(every, now)
	if !ok || !next.Equal(now.Add(30*time.Second)) {
		t.Errorf("every next = %v ok=%v", next, ok)
	}

	ranOnce := Job{Schedule: Schedule{Kind: ScheduleAt, AtMS: now.UnixMilli()}, LastRunMS: now.UnixMilli()}
	if _, ok := nextRun(ranOnce, now); ok {
		t.Error("completed at-job still schedules")
	}

	cron := Job{Schedule: Schedule{Kind: ScheduleCron, Expr: "0 9 * * *"}}
	next, ok = nextRun(cron, now)
	if !ok {
		t.Fatal("cron job did not schedule")
	}
	if next.Hour() != 9 || next.Minute() != 0 || !next.After(now) {
		t.Errorf("cron next = %v, want next 09:00 after %v", next, now)
	}
}

func TestHeartbeatPromptAndTarget(t *testing.T) {
	b := bus.NewMessageBus(bus.Options{})
	workspace := t.TempDir()

	h := NewHeartbeat(b, config.HeartbeatConfig{}, workspace)
	h.Beat()
	msg, ok := b.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("no heartbeat published")
	}
	if msg.Channel != "system" || msg.ChatID != "heartbeat" {
		t.Errorf("target = %s:%s", msg.Channel, msg.ChatID)
	}
	if msg.Content != defaultHeartbeatPrompt {
		t.Errorf("content = %q", msg.Content)
	}

	// Workspace HEARTBEAT.md wins, and channel+to route the reply.
	if err := os.WriteFile(filepath.Join(workspace, heartbeatPromptFile), []byte("check the garden\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h = NewHeartbeat(b, config.HeartbeatConfig{Channel: "whatsapp", To: "owner@s.whatsapp.net"}, workspace)
	h.Beat()
	msg, _ = b.ConsumeInbound(context.Background())
	if msg.Content != "check the garden" {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.ChatID != "whatsapp:owner@s.whatsapp.net" {
		t.Errorf("chat id = %q", msg.ChatID)
	}
}

func TestHeartbeatDisabled(t *testing.T) {
	h := NewHeartbeat(bus.NewMessageBus(bus.Options{}), config.HeartbeatConfig{Every: "0m"}, "")
	if h.Interval() != 0 {
		t.Errorf("interval = %v, want 0", h.Interval())
	}
	if err := h.Run(context.Background()); err != nil {
		t.Errorf("disabled Run returned %v", err)
	}
}
