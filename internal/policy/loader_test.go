package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsRuntimeWhenOmitted(t *testing.T) {
	path := writePolicyFile(t, `{
		"version": 2,
		"owners": {"whatsapp": ["15551234567"]}
	}`)

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rt := doc.Runtime
	if rt.AdminCommandRateLimitPerMinute != 30 {
		t.Errorf("rate limit = %d, want default 30", rt.AdminCommandRateLimitPerMinute)
	}
	if !rt.ReloadOnChange {
		t.Error("reloadOnChange = false, want default true")
	}
	if rt.ReloadCheckIntervalSeconds != 1.0 {
		t.Errorf("reload interval = %g, want default 1.0", rt.ReloadCheckIntervalSeconds)
	}
}

func TestLoadPartialRuntimeKeepsExplicitValues(t *testing.T) {
	path := writePolicyFile(t, `{
		"version": 2,
		"owners": {"whatsapp": ["15551234567"]},
		"runtime": {"reloadOnChange": false, "adminCommandRateLimitPerMinute": 5}
	}`)

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rt := doc.Runtime
	if rt.ReloadOnChange {
		t.Error("explicit reloadOnChange=false was overwritten by the default")
	}
	if rt.AdminCommandRateLimitPerMinute != 5 {
		t.Errorf("rate limit = %d, want explicit 5", rt.AdminCommandRateLimitPerMinute)
	}
	// Fields the section omits still get defaults.
	if rt.ReloadCheckIntervalSeconds != 1.0 {
		t.Errorf("reload interval = %g, want default 1.0", rt.ReloadCheckIntervalSeconds)
	}
}

func TestLoadRejectsUnknownRuntimeField(t *testing.T) {
	path := writePolicyFile(t, `{
		"version": 2,
		"runtime": {"reloadOnChagne": true}
	}`)

	if _, err := Load(path); err == nil {
		t.Fatal("typoed runtime key loaded without error")
	}
}

func TestValidateRejectsZeroRateLimit(t *testing.T) {
	doc := DefaultDocument()
	doc.Owners["whatsapp"] = []string{"15551234567"}
	doc.Runtime.AdminCommandRateLimitPerMinute = 0

	err := NewEngine(doc, t.TempDir(), nil).Validate([]string{"list_dir", "read_file", "web_fetch"})
	if err == nil || !strings.Contains(err.Error(), "adminCommandRateLimitPerMinute") {
		t.Fatalf("err = %v, want zero rate limit rejected", err)
	}
}
