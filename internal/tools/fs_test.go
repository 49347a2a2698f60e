package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadWriteRoundtrip(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	write := NewWriteFileTool(ws, true)
	out, err := write.Execute(ctx, map[string]any{"path": "notes/today.md", "content": "buy milk"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(out, "8 bytes") {
		t.Errorf("write output = %q, want byte count", out)
	}

	read := NewReadFileTool(ws, true)
	got, err := read.Execute(ctx, map[string]any{"path": "notes/today.md"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "buy milk" {
		t.Errorf("read = %q, want %q", got, "buy milk")
	}
}

func TestReadFileRejectsEscapes(t *testing.T) {
	ws := t.TempDir()
	read := NewReadFileTool(ws, true)
	ctx := context.Background()

	for _, path := range []string{"../outside.txt", "/etc/hostname"} {
		_, err := read.Execute(ctx, map[string]any{"path": path})
		if err == nil || !strings.Contains(err.Error(), "access denied") {
			t.Errorf("path %q: err = %v, want access denied", path, err)
		}
	}
}

func TestReadFileRejectsSymlinkEscape(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	target := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(target, []byte("secret"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(ws, "link.txt")); err != nil {
		t.Fatal(err)
	}

	read := NewReadFileTool(ws, true)
	_, err := read.Execute(context.Background(), map[string]any{"path": "link.txt"})
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("err = %v, want access denied for symlink escape", err)
	}
}

func TestReadFileRejectsHardlink(t *testing.T) {
	ws := t.TempDir()
	original := filepath.Join(ws, "a.txt")
	if err := os.WriteFile(original, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Link(original, filepath.Join(ws, "b.txt")); err != nil {
		t.Skipf("hardlinks unsupported: %v", err)
	}

	read := NewReadFileTool(ws, true)
	_, err := read.Execute(context.Background(), map[string]any{"path": "b.txt"})
	if err == nil || !strings.Contains(err.Error(), "hardlinked") {
		t.Fatalf("err = %v, want hardlink rejection", err)
	}
}

func TestReadFileUnrestrictedAllowsAbsolute(t *testing.T) {
	ws := t.TempDir()
	other := t.TempDir()
	target := filepath.Join(other, "data.txt")
	if err := os.WriteFile(target, []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}

	read := NewReadFileTool(ws, false)
	got, err := read.Execute(context.Background(), map[string]any{"path": target})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "ok" {
		t.Errorf("read = %q", got)
	}
}

func TestEditFileReplacesFirstOccurrence(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "conf.txt")
	if err := os.WriteFile(path, []byte("port=1\nport=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	edit := NewEditFileTool(ws, true)
	out, err := edit.Execute(context.Background(), map[string]any{
		"path":       "conf.txt",
		"old_string": "port=1",
		"new_string": "port=2",
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !strings.Contains(out, "first of 2") {
		t.Errorf("edit output = %q, want multi-occurrence note", out)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "port=2\nport=1\n" {
		t.Errorf("file = %q, want only first occurrence replaced", data)
	}
}

func TestEditFileMissingOldString(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	edit := NewEditFileTool(ws, true)
	_, err := edit.Execute(context.Background(), map[string]any{
		"path":       "a.txt",
		"old_string": "absent",
		"new_string": "x",
	})
	if err == nil || !strings.Contains(err.Error(), "old_string not found") {
		t.Fatalf("err = %v, want old_string not found", err)
	}
}

func TestListDirFormatsEntries(t *testing.T) {
	ws := t.TempDir()
	if err := os.Mkdir(filepath.Join(ws, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "file.txt"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	list := NewListDirTool(ws, true)
	out, err := list.Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "sub/") {
		t.Errorf("output %q missing directory marker", out)
	}
	if !strings.Contains(out, "file.txt (5 bytes)") {
		t.Errorf("output %q missing file size", out)
	}
}

func TestListDirEmpty(t *testing.T) {
	ws := t.TempDir()
	list := NewListDirTool(ws, true)
	out, err := list.Execute(context.Background(), map[string]any{"path": "."})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if out != "(empty directory)" {
		t.Errorf("out = %q", out)
	}
}
