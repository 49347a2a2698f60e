package admin

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quietloop/steward/internal/policy"
)

const (
	policyGroup  = "120363000000000001@g.us"
	sessionGroup = "120363000000000002@g.us"
	logGroup     = "120363000000000003@g.us"
	bridgeGroup  = "120363000000000004@g.us"
)

func newDiscoveryService(t *testing.T) (*Service, string) {
	t.Helper()
	svc, path := newTestService(t, func(doc *policy.Document) {
		wa := doc.Channels["whatsapp"]
		wa.Chats = map[string]*policy.ChatPolicyOverride{
			policyGroup: {
				Comment:   "Family Chat",
				GroupTags: []string{"family", "home"},
			},
		}
		doc.Channels["whatsapp"] = wa
	})

	home := filepath.Dir(path)
	sessionsDir := filepath.Join(home, "data", "inbound")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		t.Fatalf("mkdir sessions: %v", err)
	}
	sessionFile := filepath.Join(sessionsDir, "whatsapp_"+sessionGroup+".jsonl")
	if err := os.WriteFile(sessionFile, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write session file: %v", err)
	}

	logsDir := filepath.Join(home, "var", "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		t.Fatalf("mkdir logs: %v", err)
	}
	logLine := "level=INFO msg=\"message accepted\" chat=" + logGroup + " channel=whatsapp\n"
	if err := os.WriteFile(filepath.Join(logsDir, "gateway.log"), []byte(logLine), 0o644); err != nil {
		t.Fatalf("write gateway log: %v", err)
	}

	svc.subjects = func(ids []string) map[string]string {
		return map[string]string{bridgeGroup: "Ops War Room"}
	}
	return svc, path
}

func TestListGroupsMergesAllSources(t *testing.T) {
	svc, _ := newDiscoveryService(t)

	res := svc.ExecuteText("/policy list-groups", ownerActor(), ExecOptions{})
	if res.Outcome != OutcomeNoop {
		t.Fatalf("unexpected outcome %q: %s", res.Outcome, res.Message)
	}
	if !strings.HasPrefix(res.Message, "Known WhatsApp groups: 4 (showing 4)") {
		t.Fatalf("unexpected header: %q", res.Message)
	}
	for _, want := range []string{
		policyGroup + " | policy | Family Chat | tags: family, home",
		sessionGroup + " | sessions",
		logGroup + " | log",
		bridgeGroup + " | bridge | Ops War Room",
		"Use: /policy resolve-group <name_or_id>",
	} {
		if !strings.Contains(res.Message, want) {
			t.Errorf("list-groups missing %q in:\n%s", want, res.Message)
		}
	}
	// Policy-backed groups sort first.
	lines := strings.Split(res.Message, "\n")
	if !strings.Contains(lines[1], policyGroup) {
		t.Fatalf("expected policy group first, got %q", lines[1])
	}
}

func TestListGroupsFiltersByQuery(t *testing.T) {
	svc, _ := newDiscoveryService(t)
	res := svc.ExecuteText("/policy list-groups family", ownerActor(), ExecOptions{})
	if !strings.HasPrefix(res.Message, "Known WhatsApp groups: 1 (showing 1)") {
		t.Fatalf("unexpected header: %q", res.Message)
	}
	if !strings.Contains(res.Message, policyGroup) {
		t.Fatalf("filter dropped the matching group:\n%s", res.Message)
	}

	none := svc.ExecuteText("/policy list-groups nosuch", ownerActor(), ExecOptions{})
	if none.Message != "No WhatsApp groups matched 'nosuch'." {
		t.Fatalf("unexpected message %q", none.Message)
	}
}

func TestResolveGroupMatchPriorities(t *testing.T) {
	svc, _ := newDiscoveryService(t)
	actor := ownerActor()

	cases := []struct {
		name  string
		query string
		want  string
	}{
		{"literal id", policyGroup, policyGroup},
		{"alias", ChatAlias(logGroup), logGroup},
		{"tag", "family", policyGroup},
		{"comment exact", "Family Chat", policyGroup},
		{"comment case-insensitive", "family chat", policyGroup},
		{"bridge subject", "ops war room", bridgeGroup},
		{"compact partial", "familychat", policyGroup},
	}
	for _, tc := range cases {
		res := svc.ExecuteText("/policy resolve-group \""+tc.query+"\"", actor, ExecOptions{})
		if res.Outcome != OutcomeNoop {
			t.Errorf("%s: outcome %q: %s", tc.name, res.Outcome, res.Message)
			continue
		}
		if !strings.Contains(res.Message, "-> "+tc.want) {
			t.Errorf("%s: resolve %q = %q, want %s", tc.name, tc.query, res.Message, tc.want)
		}
	}
}

func TestResolveGroupReportsAmbiguity(t *testing.T) {
	svc, _ := newTestService(t, func(doc *policy.Document) {
		wa := doc.Channels["whatsapp"]
		wa.Chats = map[string]*policy.ChatPolicyOverride{
			"120363000000000011@g.us": {Comment: "Team Alpha"},
			"120363000000000012@g.us": {Comment: "Team Beta"},
		}
		doc.Channels["whatsapp"] = wa
	})

	res := svc.ExecuteText("/policy resolve-group team", ownerActor(), ExecOptions{})
	if res.Outcome != OutcomeInvalid {
		t.Fatalf("unexpected outcome %q: %s", res.Outcome, res.Message)
	}
	if !strings.HasPrefix(res.Message, "Ambiguous group reference 'team'. Matches:") {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if !strings.Contains(res.Message, "Team Alpha") || !strings.Contains(res.Message, "Team Beta") {
		t.Fatalf("ambiguity listing incomplete:\n%s", res.Message)
	}
}

func TestResolveGroupUnknownReference(t *testing.T) {
	svc, _ := newDiscoveryService(t)
	res := svc.ExecuteText("/policy resolve-group zzzzzz", ownerActor(), ExecOptions{})
	if res.Outcome != OutcomeInvalid {
		t.Fatalf("unexpected outcome %q", res.Outcome)
	}
	if res.Message != "No group matched 'zzzzzz'. Try /policy list-groups." {
		t.Fatalf("unexpected message %q", res.Message)
	}
}

func TestResolveGroupReference(t *testing.T) {
	svc, _ := newDiscoveryService(t)

	// Literal ids skip discovery entirely.
	id, err := svc.ResolveGroupReference("999999@g.us", nil)
	if err != nil || id != "999999@g.us" {
		t.Fatalf("literal id: %q, %v", id, err)
	}

	id, err = svc.ResolveGroupReference("family", nil)
	if err != nil || id != policyGroup {
		t.Fatalf("tag reference: %q, %v", id, err)
	}

	if _, err = svc.ResolveGroupReference("", nil); err == nil || err.Error() != "group reference cannot be empty" {
		t.Fatalf("empty reference error: %v", err)
	}

	if _, err = svc.ResolveGroupReference("nope-nothing", nil); err == nil || !strings.HasPrefix(err.Error(), "unknown group reference:") {
		t.Fatalf("unknown reference error: %v", err)
	}
}

func TestStatusGroupResolvesNamedReference(t *testing.T) {
	svc, _ := newDiscoveryService(t)
	res := svc.ExecuteText("/policy status-group family", ownerActor(), ExecOptions{})
	if res.Outcome != OutcomeNoop {
		t.Fatalf("unexpected outcome %q: %s", res.Outcome, res.Message)
	}
	if !strings.HasPrefix(res.Message, policyGroup) {
		t.Fatalf("status did not resolve tag to group id:\n%s", res.Message)
	}
}

func TestChatAliasIsStable(t *testing.T) {
	a := ChatAlias(policyGroup)
	if a != ChatAlias(policyGroup) {
		t.Fatal("alias not deterministic")
	}
	if !strings.HasPrefix(a, "g-") || len(a) != 12 {
		t.Fatalf("unexpected alias shape %q", a)
	}
	if a == ChatAlias(sessionGroup) {
		t.Fatal("aliases must differ per chat")
	}
}
