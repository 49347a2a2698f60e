package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// VoiceSendRequest is the typed envelope handed to the voice send callback.
type VoiceSendRequest struct {
	Channel      string
	ChatID       string
	Content      string
	Voice        string
	TTSRoute     string
	ReplyTo      string
	MaxSentences int
	MaxChars     int
	Verbatim     bool
}

// VoiceSendFunc synthesizes and delivers a voice note, returning a
// model-visible status line.
type VoiceSendFunc func(ctx context.Context, req VoiceSendRequest) (string, error)

// GroupResolveFunc resolves a WhatsApp group alias or name to a chat id.
type GroupResolveFunc func(ref string) (string, error)

// SendVoiceTool sends synthesized voice notes to chat channels. The
// conversation target defaults to the active chat via SetContext; an
// explicit chat_id or WhatsApp group reference overrides it.
type SendVoiceTool struct {
	mu             sync.Mutex
	send           VoiceSendFunc
	groupResolver  GroupResolveFunc
	defaultChannel string
	defaultChatID  string
}

func NewSendVoiceTool(send VoiceSendFunc, groupResolver GroupResolveFunc) *SendVoiceTool {
	return &SendVoiceTool{send: send, groupResolver: groupResolver}
}

// SetContext binds the tool to the conversation being answered.
func (t *SendVoiceTool) SetContext(channel, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultChannel = channel
	t.defaultChatID = chatID
}

func (t *SendVoiceTool) Name() string { return "send_voice" }

func (t *SendVoiceTool) Description() string {
	return "Synthesize text-to-speech and send as a voice note. Supports explicit chat_id or WhatsApp group alias/name."
}

func (t *SendVoiceTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "Text content to synthesize and send",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Optional: target channel (defaults to current context)",
			},
			"chat_id": map[string]any{
				"type":        "string",
				"description": "Optional: target chat id",
			},
			"group": map[string]any{
				"type":        "string",
				"description": "Optional (WhatsApp only): group alias/name/chat id resolved to a @g.us chat",
			},
			"voice": map[string]any{
				"type":        "string",
				"description": "Optional: voice id/name for the TTS backend",
			},
			"tts_route": map[string]any{
				"type":        "string",
				"description": "Optional: model route key, e.g. tts.speak@whatsapp",
			},
			"reply_to": map[string]any{
				"type":        "string",
				"description": "Optional: message id to reply to",
			},
			"max_sentences": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     12,
				"description": "Optional: sentence cap before synthesis",
			},
			"max_chars": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     2000,
				"description": "Optional: character cap before synthesis",
			},
			"verbatim": map[string]any{
				"type":        "boolean",
				"description": "Optional: preserve raw text without normalization/truncation",
			},
		},
		"required": []string{"content"},
	}
}

func (t *SendVoiceTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	content, _ := args["content"].(string)
	channelArg, _ := args["channel"].(string)
	chatIDArg, _ := args["chat_id"].(string)
	groupArg, _ := args["group"].(string)

	t.mu.Lock()
	defaultChannel := strings.TrimSpace(t.defaultChannel)
	defaultChatID := strings.TrimSpace(t.defaultChatID)
	send := t.send
	resolver := t.groupResolver
	t.mu.Unlock()

	channelExplicit := strings.TrimSpace(channelArg)
	chatIDExplicit := strings.TrimSpace(chatIDArg)
	groupRef := strings.TrimSpace(groupArg)

	resolvedChannel := channelExplicit
	if resolvedChannel == "" {
		resolvedChannel = defaultChannel
	}
	resolvedChatID := chatIDExplicit

	if groupRef != "" {
		if chatIDExplicit != "" {
			return "Error: Use either `chat_id` or `group`, not both", nil
		}
		if resolvedChannel == "" {
			resolvedChannel = "whatsapp"
		}
		if resolvedChannel != "whatsapp" {
			return "Error: `group` is supported only for WhatsApp", nil
		}
		if resolver == nil {
			return "Error: WhatsApp group resolver is not configured", nil
		}
		groupChatID, err := resolver(groupRef)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), nil
		}
		if groupChatID == "" {
			return "Error: failed to resolve group", nil
		}
		resolvedChatID = groupChatID
	} else if resolvedChatID == "" {
		resolvedChatID = defaultChatID
	}

	if resolvedChannel == "" || resolvedChatID == "" {
		return "Error: No target channel/chat specified", nil
	}
	if send == nil {
		return "Error: Voice sending is not configured", nil
	}

	req := VoiceSendRequest{
		Channel: resolvedChannel,
		ChatID:  resolvedChatID,
		Content: content,
	}
	if v, ok := args["voice"].(string); ok {
		req.Voice = strings.TrimSpace(v)
	}
	if v, ok := args["tts_route"].(string); ok {
		req.TTSRoute = strings.TrimSpace(v)
	}
	if v, ok := args["reply_to"].(string); ok {
		req.ReplyTo = strings.TrimSpace(v)
	}
	if v, ok := args["max_sentences"].(float64); ok {
		req.MaxSentences = int(v)
	}
	if v, ok := args["max_chars"].(float64); ok {
		req.MaxChars = int(v)
	}
	if v, ok := args["verbatim"].(bool); ok {
		req.Verbatim = v
	}

	status, err := send(ctx, req)
	if err != nil {
		return fmt.Sprintf("Error sending voice: %v", err), nil
	}
	return status, nil
}
