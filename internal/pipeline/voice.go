package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quietloop/steward/internal/core"
	"github.com/quietloop/steward/internal/media"
	"github.com/quietloop/steward/internal/providers"
)

// Voice note limits. Opus is the only container channels accept as a
// playable voice note, and bridges reject blobs past the size cap.
const (
	voiceFormat       = "opus"
	maxVoiceNoteBytes = 160 * 1024
)

// Voice fallback reasons, used as metric and alert labels.
const (
	voiceReasonUnsupportedFormat = "unsupported_format"
	voiceReasonQuotaExceeded     = "quota_exceeded"
	voiceReasonSynthesisFailed   = "synthesis_failed"
	voiceReasonEmptyAudio        = "tts_empty_audio"
	voiceReasonTooLarge          = "voice_note_too_large"
)

// Speech synthesizes audio through the model router.
type Speech interface {
	SpeakRoute(ctx context.Context, task, channel, text, voice, format string) ([]byte, error)
}

// VoiceSender turns a text reply into a voice note on disk. A nil
// return with reason set means synthesis was skipped or failed and the
// reply should fall back to text.
type VoiceSender struct {
	speech   Speech
	audioDir string
}

func NewVoiceSender(speech Speech, audioDir string) *VoiceSender {
	return &VoiceSender{speech: speech, audioDir: audioDir}
}

// wantsVoice reports whether settings ask for a voice reply to ev.
func wantsVoice(settings core.VoiceSettings, ev *core.InboundEvent) bool {
	switch settings.Mode {
	case core.VoiceModeAlways:
		return true
	case core.VoiceModeInKind:
		return ev.IsVoice || ev.MediaKind == "audio"
	default:
		return false
	}
}

// Synthesize renders text as an opus voice note and returns the audio
// file path. On any failure it returns an empty path and the fallback
// reason.
func (v *VoiceSender) Synthesize(ctx context.Context, channel, text string, settings core.VoiceSettings) (path, reason string) {
	if v == nil || v.speech == nil {
		return "", voiceReasonSynthesisFailed
	}
	format := settings.Format
	if format == "" {
		format = voiceFormat
	}
	if format != voiceFormat {
		return "", voiceReasonUnsupportedFormat
	}
	route := settings.Route
	if route == "" {
		route = providers.RouteTTSSpeak
	}

	spoken := media.PrepareVoiceText(text, settings.MaxSentences, settings.MaxChars)
	if spoken == "" {
		return "", voiceReasonEmptyAudio
	}

	audio, err := v.speech.SpeakRoute(ctx, route, channel, spoken, settings.Voice, format)
	if err != nil {
		if errors.Is(err, providers.ErrSpeechQuota) {
			return "", voiceReasonQuotaExceeded
		}
		return "", voiceReasonSynthesisFailed
	}
	if len(audio) == 0 {
		return "", voiceReasonEmptyAudio
	}
	if len(audio) > maxVoiceNoteBytes {
		return "", voiceReasonTooLarge
	}

	file, err := media.WriteAudioFile(v.audioDir, audio, ".ogg")
	if err != nil {
		return "", voiceReasonSynthesisFailed
	}
	return file, ""
}

// Owner alert cooldown bounds.
const (
	ownerAlertMinCooldown     = 30 * time.Second
	ownerAlertDefaultCooldown = 300 * time.Second
)

// OwnerAlerter DMs the owner about voice fallbacks, rate limited per
// channel and reason so a broken TTS route cannot flood the owner chat.
type OwnerAlerter struct {
	owners   OwnerDirectory
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewOwnerAlerter(owners OwnerDirectory, cooldown time.Duration) *OwnerAlerter {
	if cooldown <= 0 {
		cooldown = ownerAlertDefaultCooldown
	}
	if cooldown < ownerAlertMinCooldown {
		cooldown = ownerAlertMinCooldown
	}
	return &OwnerAlerter{
		owners:   owners,
		cooldown: cooldown,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Alert emits owner DM intents for a voice fallback unless the same
// channel and reason alerted within the cooldown window.
func (a *OwnerAlerter) Alert(pc *Context, channel, chatID, reason string) {
	if a == nil || a.owners == nil {
		return
	}
	key := channel + ":" + reason
	now := a.now()

	a.mu.Lock()
	last, ok := a.lastSent[key]
	if ok && now.Sub(last) < a.cooldown {
		a.mu.Unlock()
		return
	}
	a.lastSent[key] = now
	a.mu.Unlock()

	text := fmt.Sprintf("⚠️ steward diagnostic\nvoice fallback in %s:%s\nreason=%s", channel, chatID, reason)
	for _, raw := range a.owners.OwnerRecipients(channel) {
		if target := normalizeOwnerTarget(channel, raw); target != "" {
			pc.Emit(core.SendOutboundIntent{Event: core.OutboundEvent{
				Channel: channel,
				ChatID:  target,
				Content: text,
			}})
		}
	}
}
