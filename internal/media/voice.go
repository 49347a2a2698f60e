// Package media prepares inbound and outbound attachments: bounding
// image dimensions before they reach the assistant and shaping reply
// text into something a TTS voice can speak.
package media

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	fencedCodePattern = regexp.MustCompile("```[\\s\\S]*?```")
	inlineCodePattern = regexp.MustCompile("`([^`]+)`")
	linkPattern       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// StripMarkdownForTTS removes the markdown constructs that read badly
// aloud. Fenced code blocks are dropped entirely, inline code and links
// keep only their visible text.
func StripMarkdownForTTS(text string) string {
	text = fencedCodePattern.ReplaceAllString(text, " ")
	text = inlineCodePattern.ReplaceAllString(text, "$1")
	text = linkPattern.ReplaceAllString(text, "$1")
	return strings.Join(strings.Fields(text), " ")
}

// TruncateForVoice caps text at maxSentences sentences and maxChars
// characters. Sentence boundaries are normalized to "." first, and the
// character cap clips at a word boundary with a trailing ellipsis.
func TruncateForVoice(text string, maxSentences, maxChars int) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	if maxSentences < 1 {
		maxSentences = 1
	}
	if maxChars < 1 {
		maxChars = 1
	}

	normalized := strings.NewReplacer("!", ".", "?", ".").Replace(cleaned)
	var sentences []string
	for _, part := range strings.Split(normalized, ".") {
		if part = strings.TrimSpace(part); part != "" {
			sentences = append(sentences, part)
		}
	}
	if len(sentences) > maxSentences {
		sentences = sentences[:maxSentences]
	}
	candidate := strings.Join(sentences, ". ")
	if candidate != "" && !strings.HasSuffix(candidate, ".") {
		candidate += "."
	}

	runes := []rune(candidate)
	if len(runes) <= maxChars {
		return candidate
	}
	if maxChars <= 3 {
		return strings.TrimRight(string(runes[:maxChars]), " ")
	}
	clipped := strings.TrimRight(string(runes[:maxChars-3]), " ")
	if i := strings.LastIndex(clipped, " "); i >= 0 {
		clipped = strings.TrimRight(clipped[:i], " ")
	}
	if clipped == "" {
		clipped = strings.TrimRight(string(runes[:maxChars-3]), " ")
	}
	clipped = strings.TrimRight(clipped, " .")
	if clipped == "" {
		return strings.TrimRight(string(runes[:maxChars]), " ")
	}
	return clipped + "..."
}

// PrepareVoiceText runs the full text pipeline for a voice reply.
func PrepareVoiceText(text string, maxSentences, maxChars int) string {
	return TruncateForVoice(StripMarkdownForTTS(text), maxSentences, maxChars)
}

// WriteAudioFile stores synthesized audio under dir with a unique name
// and owner-only permissions. Returns the full path of the new file.
func WriteAudioFile(dir string, audio []byte, ext string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create audio dir: %w", err)
	}
	if ext == "" {
		ext = ".ogg"
	} else if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	id := uuid.New()
	path := filepath.Join(dir, "tts-"+hex.EncodeToString(id[:])+ext)
	if err := os.WriteFile(path, audio, 0o600); err != nil {
		return "", fmt.Errorf("write audio file: %w", err)
	}
	return path, nil
}
