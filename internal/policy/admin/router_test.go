package admin

import (
	"strings"
	"testing"
)

func ownerDMContext(raw string) RouterContext {
	return RouterContext{
		Channel:  "whatsapp",
		ChatID:   "15550001111@s.whatsapp.net",
		SenderID: "+15550001111",
		IsOwner:  true,
		RawText:  raw,
	}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	svc, _ := newTestService(t, nil)
	return NewRouter(NewPolicyHandler(svc))
}

func TestRouterIgnoresNonCommands(t *testing.T) {
	router := newTestRouter(t)
	if _, ok := router.Route(ownerDMContext("hello there")); ok {
		t.Fatal("plain text is not a command")
	}
	res, ok := router.Route(ownerDMContext("/"))
	if !ok || res.Status != StatusIgnored {
		t.Fatalf("bare slash should be ignored, got %+v", res)
	}
}

func TestRouterReportsUnknownNamespaceToOwnersOnly(t *testing.T) {
	router := newTestRouter(t)

	res, ok := router.Route(ownerDMContext("/nope"))
	if !ok || res.Status != StatusUnknown {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Response != "Unknown command '/nope'. Try /policy help." {
		t.Fatalf("unexpected response %q", res.Response)
	}

	group := ownerDMContext("/nope")
	group.IsGroup = true
	res, ok = router.Route(group)
	if !ok || res.Status != StatusIgnored {
		t.Fatalf("group chat should not see unknown-command errors: %+v", res)
	}

	stranger := ownerDMContext("/nope")
	stranger.IsOwner = false
	res, ok = router.Route(stranger)
	if !ok || res.Status != StatusIgnored {
		t.Fatalf("non-owner should not see unknown-command errors: %+v", res)
	}
}

func TestRouterRoutesPolicyCommands(t *testing.T) {
	router := newTestRouter(t)
	res, ok := router.Route(ownerDMContext("/policy help"))
	if !ok || res.Status != StatusHandled {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.InterceptsNormalFlow() {
		t.Fatal("handled commands must intercept the reply flow")
	}
	if !strings.HasPrefix(res.Response, "Policy commands (owner DM only):") {
		t.Fatalf("unexpected response %q", res.Response)
	}
	if res.CommandName != "help" || res.Outcome != OutcomeNoop {
		t.Fatalf("metadata missing: %+v", res)
	}
}

func TestRouterSkipsInapplicableHandler(t *testing.T) {
	router := newTestRouter(t)
	group := ownerDMContext("/policy help")
	group.IsGroup = true
	res, ok := router.Route(group)
	if !ok || res.Status != StatusIgnored {
		t.Fatalf("policy commands in groups should fall through: %+v", res)
	}
}

func TestRouterReportsBadSyntaxToOwners(t *testing.T) {
	router := newTestRouter(t)
	res, ok := router.Route(ownerDMContext(`/policy set-persona "broken`))
	if !ok || res.Status != StatusUnknown {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.HasPrefix(res.Response, "Invalid command syntax:") {
		t.Fatalf("unexpected response %q", res.Response)
	}
}
