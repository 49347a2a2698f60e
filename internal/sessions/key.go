// Package sessions persists conversation transcripts, one JSONL file
// per session under the inbound data directory.
//
// Session keys follow the canonical format:
//
//	{channel}:{chatID}
//
// The channel half is the session routing target, so scheduler traffic
// lands under the chat it delivers to. Examples:
//
//	whatsapp:12036304123456789@g.us
//	telegram:386246614
//	cli:heartbeat
//	cron:morning-brief
//
// On disk every colon becomes an underscore, so the WhatsApp group
// above lands in whatsapp_12036304123456789@g.us.jsonl. The policy
// admin group discovery scans the directory for exactly that filename
// shape; the mapping is load-bearing, not cosmetic.
package sessions

import (
	"fmt"
	"strings"
)

// Key builds the canonical session key for a conversation.
func Key(channel, chatID string) string {
	return fmt.Sprintf("%s:%s", channel, chatID)
}

// SplitKey returns the channel and chat id halves of a session key.
// Returns ("", "") when the key is not in canonical form. Chat ids may
// themselves contain colons, so only the first separator splits.
func SplitKey(key string) (channel, chatID string) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ""
	}
	return parts[0], parts[1]
}

// Filename returns the transcript filename for a session key.
func Filename(key string) string {
	return strings.ReplaceAll(key, ":", "_") + ".jsonl"
}
