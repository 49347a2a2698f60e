package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStripMarkdownForTTSDropsCodeBlocks(t *testing.T) {
	got := StripMarkdownForTTS("Look:\n```go\ncode here\n```\nDone")
	if got != "Look: Done" {
		t.Errorf("StripMarkdownForTTS = %q, want code block removed", got)
	}
}

func TestStripMarkdownForTTSUnwrapsInlineCode(t *testing.T) {
	got := StripMarkdownForTTS("Use `go build` now")
	if got != "Use go build now" {
		t.Errorf("StripMarkdownForTTS = %q, want inline code unwrapped", got)
	}
}

func TestStripMarkdownForTTSKeepsLinkText(t *testing.T) {
	got := StripMarkdownForTTS("See [the docs](https://example.com) for more")
	if got != "See the docs for more" {
		t.Errorf("StripMarkdownForTTS = %q, want link label only", got)
	}
}

func TestTruncateForVoiceKeepsShortText(t *testing.T) {
	got := TruncateForVoice("Hello there! How are you?", 2, 200)
	if got != "Hello there. How are you." {
		t.Errorf("TruncateForVoice = %q", got)
	}
}

func TestTruncateForVoiceCapsSentences(t *testing.T) {
	got := TruncateForVoice("One. Two. Three. Four.", 2, 100)
	if got != "One. Two." {
		t.Errorf("TruncateForVoice = %q, want first two sentences", got)
	}
}

func TestTruncateForVoiceClipsAtWordBoundary(t *testing.T) {
	got := TruncateForVoice("This is a very long sentence that keeps going", 3, 20)
	if got != "This is a very..." {
		t.Errorf("TruncateForVoice = %q, want word-boundary clip with ellipsis", got)
	}
}

func TestTruncateForVoiceHandlesLongFirstWord(t *testing.T) {
	got := TruncateForVoice("Supercalifragilisticexpialidocious is long", 1, 10)
	if got != "Superca..." {
		t.Errorf("TruncateForVoice = %q, want hard clip inside the word", got)
	}
}

func TestTruncateForVoiceTinyBudget(t *testing.T) {
	got := TruncateForVoice("Hello world", 1, 2)
	if got != "He" {
		t.Errorf("TruncateForVoice = %q, want raw prefix without ellipsis", got)
	}
}

func TestTruncateForVoiceStripsTrailingPeriodBeforeEllipsis(t *testing.T) {
	got := TruncateForVoice("End. More words here.", 5, 11)
	if got != "End..." {
		t.Errorf("TruncateForVoice = %q, want no double punctuation", got)
	}
}

func TestPrepareVoiceText(t *testing.T) {
	got := PrepareVoiceText("Check `this` out! It is [great](http://x.y). Really really great stuff here", 1, 40)
	if got != "Check this out." {
		t.Errorf("PrepareVoiceText = %q", got)
	}
}

func TestWriteAudioFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outgoing", "tts")
	path, err := WriteAudioFile(dir, []byte("fake-opus"), ".ogg")
	if err != nil {
		t.Fatalf("WriteAudioFile: %v", err)
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "tts-") || !strings.HasSuffix(base, ".ogg") {
		t.Errorf("unexpected file name %q", base)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audio file: %v", err)
	}
	if string(data) != "fake-opus" {
		t.Errorf("file content = %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
}

func TestWriteAudioFileNormalizesExtension(t *testing.T) {
	path, err := WriteAudioFile(t.TempDir(), []byte("x"), "mp3")
	if err != nil {
		t.Fatalf("WriteAudioFile: %v", err)
	}
	if !strings.HasSuffix(path, ".mp3") {
		t.Errorf("path = %q, want .mp3 suffix", path)
	}
}
