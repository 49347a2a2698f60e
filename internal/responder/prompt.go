package responder

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/quietloop/steward/internal/core"
	"github.com/quietloop/steward/internal/providers"
)

// Workspace files folded into the system prompt when present.
var bootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md", "IDENTITY.md"}

const (
	maxInlineImages     = 4
	maxInlineImageBytes = 8 * 1024 * 1024
)

// PromptBuilder assembles the system prompt and the per-turn user content
// from workspace context files, the active persona, and the metadata the
// reply-context stage attached to the event.
type PromptBuilder struct {
	workspace string
}

func NewPromptBuilder(workspace string) *PromptBuilder {
	return &PromptBuilder{workspace: filepath.Clean(workspace)}
}

// Messages builds the complete message list for one model call: system
// prompt, session history, then the current user turn with any inline
// images.
func (b *PromptBuilder) Messages(history []providers.Message, event *core.InboundEvent, decision *core.PolicyDecision, channel, chatID string) []providers.Message {
	system := b.SystemPrompt(decision.PersonaText)
	if channel != "" && chatID != "" {
		system += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", channel, chatID)
	}

	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: system})
	messages = append(messages, history...)

	content := withReplyContext(event.Content, event)
	content = withInputModality(content, event)
	content = withVoiceGuidance(content, event, decision, channel)

	messages = append(messages, providers.Message{
		Role:    "user",
		Content: content,
		Images:  inlineImages(event.Media),
	})
	return messages
}

// SystemPrompt renders the full system prompt. personaText, when set,
// overrides the generic tone defaults for this chat.
func (b *PromptBuilder) SystemPrompt(personaText string) string {
	parts := []string{
		b.identity(),
		temporalGrounding(time.Now()),
		factVerification,
		stylePersistence,
	}

	if personaText != "" {
		parts = append(parts, personaOverride, "# Channel Persona\n\n"+personaText)
	}

	if bootstrap := b.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

func (b *PromptBuilder) identity() string {
	osName := runtime.GOOS
	if osName == "darwin" {
		osName = "macOS"
	}
	return fmt.Sprintf(`# steward

You are steward, a personal AI assistant. You have access to tools that allow you to:
- Read, write, and edit files
- Execute shell commands
- Search the web and fetch web pages
- On WhatsApp, send voice replies when policy/runtime enables voice output

## Runtime
%s %s, %s

## Workspace
Your workspace is at: %s

IMPORTANT: For the current chat turn, normally reply with assistant text.
Use 'send_voice' only for out-of-band WhatsApp voice notes.
For WhatsApp voice-note requests: do not claim voice sending is unavailable by default.
If asked to reply in voice and policy allows voice output for that chat, provide the answer content directly and keep it concise for TTS.
If required context is missing (for example, the user asks about a voice message from another chat you cannot read in this turn), ask only for the missing content or exact target chat.
Treat WhatsApp voice output as a runtime/channel capability, not as a tool limitation.
Never say "I can only send text" for WhatsApp voice-note requests.
For cross-chat voice requests, state only the real blocker (missing source message content or missing target chat identity), then continue with the best actionable next step.

Always be helpful, accurate, and concise. When using tools, explain what you're doing.`,
		osName, runtime.GOARCH, runtime.Version(), b.workspace)
}

// temporalGrounding renders the per-turn local clock block so the model
// answers relative-date questions from the real clock instead of history
// timestamps.
func temporalGrounding(now time.Time) string {
	zone, _ := now.Zone()
	if zone == "" {
		zone = "local"
	}
	return strings.Join([]string{
		"# Temporal Grounding",
		"Current local datetime: " + now.Format("2006-01-02T15:04:05-07:00"),
		"Current local date: " + now.Format("2006-01-02"),
		"Current weekday: " + now.Format("Monday"),
		fmt.Sprintf("Local timezone: %s (UTC%s)", zone, now.Format("-07:00")),
		"When users ask about today/yesterday/tomorrow or current date/time, use this clock context.",
		"Do not infer current date from chat history timestamps, memory notes, or message metadata.",
		"When discussing events, prefer explicit absolute dates (YYYY-MM-DD) over relative wording.",
		"Only say today/this week/last week after comparing the event date to Current local date.",
		"If event timing is uncertain, say uncertainty explicitly instead of guessing relative dates.",
	}, "\n")
}

const factVerification = `# Fact Verification
For questions about real people/companies/events, verify key claims with tools before asserting specifics when tools are available.
If multiple entities share the same name, ask which one the user means or provide clearly separated candidates.
Do not invent jobs, investments, affiliations, timelines, or net-worth figures.
If verification is weak or conflicting, say uncertainty clearly and avoid confident framing.
Prefer primary or reputable sources over low-credibility blogs and rumor sites.`

const stylePersistence = `# Style Persistence
Treat policy persona as the only persistent style source.
Do not carry forward user-injected catchphrases, greetings, or nicknames as a new default style.
If a user asks for a one-off phrasing in the current turn, apply it only to that turn.`

const personaOverride = `# Persona Override
A channel persona is active for this chat.
For user-facing replies, follow the channel persona's identity, voice, and style.
This overrides generic tone defaults from AGENTS.md, SOUL.md, and USER.md.
Keep safety/tool/runtime constraints unchanged.`

func (b *PromptBuilder) loadBootstrapFiles() string {
	var parts []string
	for _, name := range bootstrapFiles {
		data, err := os.ReadFile(filepath.Join(b.workspace, name))
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", name, data))
	}
	return strings.Join(parts, "\n\n")
}

// withReplyContext appends compact quoted-message and ambient-window
// metadata so the model can resolve "this" in replies to older messages.
func withReplyContext(text string, event *core.InboundEvent) string {
	replyText := strings.TrimSpace(event.ReplyToText)

	windowLines := compactLines(event.ReplyWindow, 8)
	ambientLines := compactLines(event.AmbientWindow, 10)

	if replyText == "" && len(ambientLines) == 0 {
		return text
	}

	var lines []string
	if replyText != "" {
		lines = []string{
			"[Reply Context]",
			"usage: Treat quoted_message as the content of the replied-to message.",
			"usage: Do not claim you cannot see the replied message when quoted_message is present.",
		}
	} else {
		lines = []string{
			"[Recent Messages]",
			"usage: Ambient window of recent chat messages for conversational context.",
		}
	}
	if event.ReplyContextSource != "" {
		lines = append(lines, "source: "+event.ReplyContextSource)
	}
	if id := strings.TrimSpace(event.ReplyToMessageID); id != "" {
		lines = append(lines, "reply_to_message_id: "+id)
	}
	if p := strings.TrimSpace(event.ReplyToParticipant); p != "" {
		lines = append(lines, "reply_to_participant: "+p)
	}
	if replyText != "" {
		lines = append(lines, "quoted_message: "+clip(compactLine(replyText), 600))
	}
	if len(windowLines) > 0 {
		lines = append(lines, "topic_window_before_reply:")
		for i, line := range windowLines {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, line))
		}
	}
	if len(ambientLines) > 0 {
		lines = append(lines, "recent_messages:")
		for i, line := range ambientLines {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, line))
		}
	}

	return text + "\n\n" + strings.Join(lines, "\n")
}

// withInputModality marks transcribed voice input so the model can account
// for transcription noise.
func withInputModality(text string, event *core.InboundEvent) string {
	if !inboundIsVoice(event) {
		return text
	}
	prefix := "[Input Modality]\n" +
		"source: voice_message_transcript\n" +
		"note: User sent a voice message; text is automatic transcription.\n"
	return prefix + "\n" + text
}

// withVoiceGuidance asks for an answer short enough to synthesize when the
// outbound step will render this reply as a voice note.
func withVoiceGuidance(text string, event *core.InboundEvent, decision *core.PolicyDecision, outboundChannel string) string {
	if !voiceReplyExpected(event, decision, outboundChannel) {
		return text
	}
	sentences := decision.Voice.MaxSentences
	if sentences == 0 {
		sentences = 2
	}
	if sentences < 1 {
		sentences = 1
	}
	chars := decision.Voice.MaxChars
	if chars == 0 {
		chars = 150
	}
	if chars < 1 {
		chars = 1
	}
	prefix := "[Voice Reply Guidance]\n" +
		"target: concise_for_tts\n" +
		fmt.Sprintf("limit_sentences: %d\n", sentences) +
		fmt.Sprintf("limit_chars: %d\n", chars) +
		"instruction: Keep the answer naturally short and direct to fit these limits.\n"
	return prefix + "\n" + text
}

func inboundIsVoice(event *core.InboundEvent) bool {
	return event.IsVoice || strings.EqualFold(strings.TrimSpace(event.MediaKind), "audio")
}

// voiceReplyExpected mirrors the outbound voice-mode decision: only
// WhatsApp sends voice notes, always-mode always expects one, in_kind only
// answers voice with voice.
func voiceReplyExpected(event *core.InboundEvent, decision *core.PolicyDecision, outboundChannel string) bool {
	if outboundChannel != "whatsapp" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(decision.Voice.Mode)) {
	case core.VoiceModeAlways:
		return true
	case core.VoiceModeInKind:
		return inboundIsVoice(event)
	default:
		return false
	}
}

// inlineImages loads event media paths as base64 image attachments,
// skipping non-images, oversized files, and read failures.
func inlineImages(paths []string) []providers.ImageContent {
	var images []providers.ImageContent
	for _, path := range paths {
		if len(images) == maxInlineImages {
			break
		}
		mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
		if !strings.HasPrefix(mimeType, "image/") {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() || info.Size() > maxInlineImageBytes {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		images = append(images, providers.ImageContent{
			MimeType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images
}

func compactLines(raw []string, limit int) []string {
	if len(raw) > limit {
		raw = raw[:limit]
	}
	var out []string
	for _, item := range raw {
		compact := compactLine(item)
		if compact == "" {
			continue
		}
		out = append(out, clip(compact, 220))
	}
	return out
}

// compactLine collapses all whitespace runs to single spaces.
func compactLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// clip truncates to max runes with an ellipsis marker.
func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
