package sessions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestKeyAndFilename(t *testing.T) {
	key := Key("whatsapp", "12036304123456789@g.us")
	if key != "whatsapp:12036304123456789@g.us" {
		t.Fatalf("key = %q", key)
	}
	if got := Filename(key); got != "whatsapp_12036304123456789@g.us.jsonl" {
		t.Fatalf("filename = %q", got)
	}
}

func TestSplitKey(t *testing.T) {
	cases := []struct {
		key     string
		channel string
		chatID  string
	}{
		{"whatsapp:123@g.us", "whatsapp", "123@g.us"},
		{"system:cron:morning-brief", "system", "cron:morning-brief"},
		{"telegram:", "", ""},
		{"loose", "", ""},
	}
	for _, tc := range cases {
		channel, chatID := SplitKey(tc.key)
		if channel != tc.channel || chatID != tc.chatID {
			t.Errorf("SplitKey(%q) = (%q, %q), want (%q, %q)", tc.key, channel, chatID, tc.channel, tc.chatID)
		}
	}
}

func TestAppendAndHistory(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	key := Key("whatsapp", "123@g.us")
	err = m.Append(key,
		Turn{Role: "user", Content: "what time is the standup?"},
		Turn{Role: "assistant", Content: "9:30, same as every day."},
	)
	if err != nil {
		t.Fatal(err)
	}

	turns := m.History(key)
	if len(turns) != 2 {
		t.Fatalf("history has %d turns, want 2", len(turns))
	}
	if turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("roles = %q, %q", turns[0].Role, turns[1].Role)
	}
	if turns[0].Timestamp.IsZero() {
		t.Fatal("append did not stamp the timestamp")
	}

	if _, err := os.Stat(filepath.Join(dir, "whatsapp_123@g.us.jsonl")); err != nil {
		t.Fatalf("transcript file: %v", err)
	}
}

func TestAppendKeepsExplicitTimestamp(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	if err := m.Append("telegram:42", Turn{Role: "user", Content: "pi day", Timestamp: ts}); err != nil {
		t.Fatal(err)
	}
	got := m.History("telegram:42")
	if len(got) != 1 || !got[0].Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %v, want %v", got[0].Timestamp, ts)
	}
}

func TestHistoryReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	m1, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	key := Key("feishu", "oc_a1b2c3")
	if err := m1.Append(key, Turn{Role: "user", Content: "ping"}); err != nil {
		t.Fatal(err)
	}
	if err := m1.Append(key, Turn{Role: "assistant", Content: "pong"}); err != nil {
		t.Fatal(err)
	}

	m2, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	turns := m2.History(key)
	if len(turns) != 2 {
		t.Fatalf("reloaded history has %d turns, want 2", len(turns))
	}
	if turns[0].Content != "ping" || turns[1].Content != "pong" {
		t.Fatalf("contents = %q, %q", turns[0].Content, turns[1].Content)
	}

	// The meta line records the true key; the filename alone cannot,
	// since this chat id contains an underscore.
	data, err := os.ReadFile(filepath.Join(dir, "feishu_oc_a1b2c3.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	first, _, _ := strings.Cut(string(data), "\n")
	if !strings.Contains(first, `"type":"meta"`) || !strings.Contains(first, `"key":"feishu:oc_a1b2c3"`) {
		t.Fatalf("meta line = %s", first)
	}
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	key := Key("whatsapp", "99@g.us")
	if err := m.Append(key,
		Turn{Role: "user", Content: "a"},
		Turn{Role: "assistant", Content: "b"},
		Turn{Role: "user", Content: "c"},
	); err != nil {
		t.Fatal(err)
	}

	n, err := m.Clear(key)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("cleared %d turns, want 3", n)
	}
	if got := m.History(key); len(got) != 0 {
		t.Fatalf("history has %d turns after clear", len(got))
	}

	// File stays behind (group discovery keys off its presence) and a
	// fresh manager sees the empty transcript.
	if _, err := os.Stat(filepath.Join(dir, "whatsapp_99@g.us.jsonl")); err != nil {
		t.Fatalf("transcript file after clear: %v", err)
	}
	m2, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := m2.History(key); len(got) != 0 {
		t.Fatalf("reloaded history has %d turns after clear", len(got))
	}

	n, err = m.Clear(key)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("second clear dropped %d turns", n)
	}
}

func TestClearUnknownSession(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	n, err := m.Clear("whatsapp:nobody@g.us")
	if err != nil || n != 0 {
		t.Fatalf("Clear = (%d, %v), want (0, nil)", n, err)
	}
}

func TestLoaderSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	raw := strings.Join([]string{
		`{"type":"meta","key":"telegram:7","created":"2026-01-02T03:04:05Z"}`,
		`{"role":"user","content":"first","timestamp":"2026-01-02T03:04:06Z"}`,
		`{not json`,
		``,
		`{"role":"assistant","content":"second","timestamp":"2026-01-02T03:04:07Z"}`,
	}, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "telegram_7.jsonl"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	turns := m.History("telegram:7")
	if len(turns) != 2 {
		t.Fatalf("history has %d turns, want 2", len(turns))
	}
	if turns[0].Content != "first" || turns[1].Content != "second" {
		t.Fatalf("contents = %q, %q", turns[0].Content, turns[1].Content)
	}
}

func TestAppendRejectsTraversalKeys(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"", "  ", "../evil", `a\b`} {
		if err := m.Append(key, Turn{Role: "user", Content: "x"}); err == nil {
			t.Errorf("Append(%q) succeeded, want error", key)
		}
	}
}
