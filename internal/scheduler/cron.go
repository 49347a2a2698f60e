// Package scheduler produces synthetic system-channel traffic: cron
// jobs from a persistent store and the periodic heartbeat. Neither
// producer calls the responder directly; everything flows through the
// inbound queue so scheduled prompts get the same pipeline treatment as
// chat messages.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/quietloop/steward/internal/bus"
	"github.com/quietloop/steward/internal/tools"
)

// Schedule kinds.
const (
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
	ScheduleAt    = "at"
)

// Payload kinds.
const (
	PayloadText           = "text"
	PayloadVoiceBroadcast = "voice_broadcast"
)

// maxSleep bounds the tick loop's wait so new jobs added through the
// CLI are noticed within a minute.
const maxSleep = time.Minute

// Schedule is when a job fires. Exactly one field set per Kind.
type Schedule struct {
	Kind    string `json:"kind"`
	EveryMS int64  `json:"every_ms,omitempty"`
	Expr    string `json:"expr,omitempty"`
	AtMS    int64  `json:"at_ms,omitempty"`
}

// Payload is what a job does when it fires.
type Payload struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`

	// Deliver plus To route the pipeline's reply to a real chat instead
	// of terminating at the system channel.
	Deliver bool   `json:"deliver,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`

	// voice_broadcast fields.
	VoiceMessages []string `json:"voice_messages,omitempty"`
	VoiceRandom   bool     `json:"voice_random,omitempty"`
	Voice         string   `json:"voice,omitempty"`
	TTSRoute      string   `json:"tts_route,omitempty"`
	MaxSentences  int      `json:"max_sentences,omitempty"`
	MaxChars      int      `json:"max_chars,omitempty"`
}

// Job is one scheduled task.
type Job struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Enabled   bool     `json:"enabled"`
	Schedule  Schedule `json:"schedule"`
	Payload   Payload  `json:"payload"`
	CreatedMS int64    `json:"created_ms,omitempty"`
	LastRunMS int64    `json:"last_run_ms,omitempty"`
}

type jobsFile struct {
	Jobs []Job `json:"jobs"`
}

// Store persists jobs as one JSON document, rewritten atomically on
// every mutation.
type Store struct {
	mu   sync.Mutex
	path string
	jobs []Job
}

// LoadStore reads the job file at path, starting empty when absent.
func LoadStore(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cron jobs: %w", err)
	}
	var file jobsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse cron jobs: %w", err)
	}
	s.jobs = file.Jobs
	return s, nil
}

// Jobs returns a copy of all jobs.
func (s *Store) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Get returns the job with the given id.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}

// Add validates and appends a job, assigning an id when empty.
func (s *Store) Add(job Job) (Job, error) {
	if err := ValidateJob(job); err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()[:8]
	}
	if job.CreatedMS == 0 {
		job.CreatedMS = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == job.ID {
			return Job{}, fmt.Errorf("job %s already exists", job.ID)
		}
	}
	s.jobs = append(s.jobs, job)
	return job, s.saveLocked()
}

// Remove deletes the job with the given id.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, j := range s.jobs {
		if j.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return true, s.saveLocked()
		}
	}
	return false, nil
}

// markRan stamps a job's last run, removing one-shot jobs instead.
func (s *Store) markRan(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, j := range s.jobs {
		if j.ID != id {
			continue
		}
		if j.Schedule.Kind == ScheduleAt {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		} else {
			s.jobs[i].LastRunMS = at.UnixMilli()
		}
		return s.saveLocked()
	}
	return nil
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(jobsFile{Jobs: s.jobs}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// ValidateJob rejects jobs the tick loop could not execute.
func ValidateJob(job Job) error {
	switch job.Schedule.Kind {
	case ScheduleEvery:
		if job.Schedule.EveryMS < 1000 {
			return fmt.Errorf("every interval must be at least 1s")
		}
	case ScheduleCron:
		if !gronx.New().IsValid(job.Schedule.Expr) {
			return fmt.Errorf("invalid cron expression %q", job.Schedule.Expr)
		}
	case ScheduleAt:
		if job.Schedule.AtMS <= 0 {
			return fmt.Errorf("at schedule needs a timestamp")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", job.Schedule.Kind)
	}
	switch job.Payload.Kind {
	case PayloadText:
		if strings.TrimSpace(job.Payload.Message) == "" {
			return fmt.Errorf("text payload needs a message")
		}
	case PayloadVoiceBroadcast:
		if strings.TrimSpace(job.Payload.Message) == "" && len(job.Payload.VoiceMessages) == 0 {
			return fmt.Errorf("voice_broadcast payload needs a message or voice_messages")
		}
		if job.Payload.Channel == "" || job.Payload.To == "" {
			return fmt.Errorf("voice_broadcast payload needs channel and to")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", job.Payload.Kind)
	}
	return nil
}

// nextRun computes when job fires next. ok is false for jobs that never
// fire again.
func nextRun(job Job, now time.Time) (time.Time, bool) {
	switch job.Schedule.Kind {
	case ScheduleEvery:
		base := job.LastRunMS
		if base == 0 {
			base = job.CreatedMS
		}
		if base == 0 {
			return now, true
		}
		return time.UnixMilli(base).Add(time.Duration(job.Schedule.EveryMS) * time.Millisecond), true
	case ScheduleAt:
		if job.LastRunMS > 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(job.Schedule.AtMS), true
	case ScheduleCron:
		ref := now
		if job.LastRunMS > 0 {
			ref = time.UnixMilli(job.LastRunMS)
		}
		next, err := gronx.NextTickAfter(job.Schedule.Expr, ref, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	default:
		return time.Time{}, false
	}
}

// Cron runs the persistent job store against the message bus.
type Cron struct {
	store     *Store
	router    bus.MessageRouter
	voiceSend tools.VoiceSendFunc
	now       func() time.Time
}

func NewCron(store *Store, router bus.MessageRouter, voiceSend tools.VoiceSendFunc) *Cron {
	return &Cron{store: store, router: router, voiceSend: voiceSend, now: time.Now}
}

// Run ticks until ctx is cancelled, sleeping until the soonest due job.
func (c *Cron) Run(ctx context.Context) error {
	slog.Info("cron scheduler started", "jobs", len(c.store.Jobs()))
	for {
		now := c.now()
		c.runDue(ctx, now)

		sleep := c.untilNext(now)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("cron scheduler stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// untilNext returns how long to sleep before the next possible firing.
func (c *Cron) untilNext(now time.Time) time.Duration {
	sleep := maxSleep
	for _, job := range c.store.Jobs() {
		if !job.Enabled {
			continue
		}
		next, ok := nextRun(job, now)
		if !ok {
			continue
		}
		if d := next.Sub(now); d < sleep {
			sleep = d
		}
	}
	if sleep < time.Second {
		sleep = time.Second
	}
	return sleep
}

func (c *Cron) runDue(ctx context.Context, now time.Time) {
	for _, job := range c.store.Jobs() {
		if !job.Enabled {
			continue
		}
		next, ok := nextRun(job, now)
		if !ok || next.After(now) {
			continue
		}
		c.Execute(ctx, job)
		if err := c.store.markRan(job.ID, now); err != nil {
			slog.Error("cron job state save failed", "job", job.ID, "error", err)
		}
	}
}

// Execute fires one job immediately, regardless of schedule. The CLI
// `cron run` path calls this directly.
func (c *Cron) Execute(ctx context.Context, job Job) {
	slog.Info("cron job fired", "job", job.ID, "name", job.Name, "payload", job.Payload.Kind)
	switch job.Payload.Kind {
	case PayloadVoiceBroadcast:
		c.executeVoice(ctx, job)
	default:
		c.executeText(job)
	}
}

// executeText publishes the prompt as a synthetic system inbound. With
// deliver+to set the chat id carries the real destination so outbound
// re-routing delivers the reply; otherwise the reply terminates at the
// system channel under the job's own session.
func (c *Cron) executeText(job Job) {
	chatID := "cron:" + job.ID
	if job.Payload.Deliver && job.Payload.To != "" {
		channel := job.Payload.Channel
		if channel == "" {
			channel = "whatsapp"
		}
		chatID = channel + ":" + job.Payload.To
	}
	c.router.PublishInbound(bus.InboundMessage{
		Channel:   "system",
		SenderID:  "cron",
		ChatID:    chatID,
		Content:   job.Payload.Message,
		Timestamp: c.now().UnixMilli(),
	})
}

func (c *Cron) executeVoice(ctx context.Context, job Job) {
	if c.voiceSend == nil {
		slog.Warn("voice_broadcast skipped, no voice sender", "job", job.ID)
		return
	}
	phrase := pickPhrase(job.Payload)
	if phrase == "" {
		return
	}
	status, err := c.voiceSend(ctx, tools.VoiceSendRequest{
		Channel:      job.Payload.Channel,
		ChatID:       job.Payload.To,
		Content:      phrase,
		Voice:        job.Payload.Voice,
		TTSRoute:     job.Payload.TTSRoute,
		MaxSentences: job.Payload.MaxSentences,
		MaxChars:     job.Payload.MaxChars,
		Verbatim:     true,
	})
	if err != nil {
		slog.Error("voice_broadcast failed", "job", job.ID, "error", err)
		return
	}
	slog.Debug("voice_broadcast sent", "job", job.ID, "status", status)
}

func pickPhrase(p Payload) string {
	if len(p.VoiceMessages) == 0 {
		return strings.TrimSpace(p.Message)
	}
	if p.VoiceRandom {
		return strings.TrimSpace(p.VoiceMessages[rand.IntN(len(p.VoiceMessages))])
	}
	return strings.TrimSpace(p.VoiceMessages[0])
}
