package telegram

import (
	"strings"
	"testing"
)

func TestChunkText(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  int
	}{
		{"empty", "", 10, 0},
		{"under limit", "hello", 10, 1},
		{"exact limit", "1234567890", 10, 1},
		{"two chunks", strings.Repeat("a", 15), 10, 2},
		{"three chunks", strings.Repeat("a", 25), 10, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := chunkText(tt.text, tt.limit)
			if len(chunks) != tt.want {
				t.Fatalf("chunks = %d, want %d", len(chunks), tt.want)
			}
			for i, c := range chunks {
				if len([]rune(c)) > tt.limit {
					t.Errorf("chunk %d over limit: %d runes", i, len([]rune(c)))
				}
			}
		})
	}
}

func TestChunkTextPrefersNewlineBreaks(t *testing.T) {
	text := strings.Repeat("x", 8) + "\n" + strings.Repeat("y", 8)
	chunks := chunkText(text, 10)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0] != strings.Repeat("x", 8) {
		t.Errorf("first chunk = %q, want the x-run up to the newline", chunks[0])
	}
}

func TestParseChatID(t *testing.T) {
	if _, err := parseChatID("abc"); err == nil {
		t.Error("non-numeric chat id accepted")
	}
	id, err := parseChatID("-1001234567890")
	if err != nil {
		t.Fatalf("parseChatID: %v", err)
	}
	if id != -1001234567890 {
		t.Fatalf("id = %d", id)
	}
}
