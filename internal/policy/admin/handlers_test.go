package admin

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/quietloop/steward/internal/policy"
)

func groupOverride(t *testing.T, path, chatID string) *policy.ChatPolicyOverride {
	t.Helper()
	doc, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	override := doc.Channels["whatsapp"].Chats[chatID]
	if override == nil {
		t.Fatalf("no override recorded for %s", chatID)
	}
	return override
}

func TestExecuteApprove(t *testing.T) {
	svc, path := newTestService(t, nil)
	raw := "/approve " + testGroup

	res := svc.ExecuteApprove([]string{testGroup}, raw, false, ownerActor())
	if res.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Message)
	}
	want := fmt.Sprintf("✅ Approved %s: whoCanTalk=everyone, whenToReply=all.", testGroup)
	if res.Message != want {
		t.Fatalf("message = %q, want %q", res.Message, want)
	}

	override := groupOverride(t, path, testGroup)
	if override.WhoCanTalk == nil || *override.WhoCanTalk.Mode != policy.WhoEveryone {
		t.Fatalf("whoCanTalk override = %+v", override.WhoCanTalk)
	}
	if override.WhenToReply == nil || *override.WhenToReply.Mode != "all" {
		t.Fatalf("whenToReply override = %+v", override.WhenToReply)
	}
}

func TestExecuteApproveMention(t *testing.T) {
	svc, path := newTestService(t, nil)

	res := svc.ExecuteApprove([]string{testGroup}, "/approve-mention "+testGroup, true, ownerActor())
	if res.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Message)
	}
	if !strings.Contains(res.Message, "whenToReply=mention_only") {
		t.Fatalf("message = %q", res.Message)
	}

	override := groupOverride(t, path, testGroup)
	if override.WhenToReply == nil || *override.WhenToReply.Mode != "mention_only" {
		t.Fatalf("whenToReply override = %+v", override.WhenToReply)
	}
}

func TestExecuteApproveUsage(t *testing.T) {
	svc, _ := newTestService(t, nil)
	res := svc.ExecuteApprove(nil, "/approve", false, ownerActor())
	if res.Outcome != OutcomeInvalid || res.Message != "Usage: /approve <chat_id@g.us>" {
		t.Fatalf("unexpected result %+v", res)
	}
	res = svc.ExecuteApprove([]string{"not-a-group"}, "/approve not-a-group", false, ownerActor())
	if res.Outcome != OutcomeInvalid {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteApproveNoopWhenUnchanged(t *testing.T) {
	svc, _ := newTestService(t, func(doc *policy.Document) {
		channel := doc.Channels["whatsapp"]
		channel.Chats = map[string]*policy.ChatPolicyOverride{
			testGroup: {
				WhoCanTalk:  &policy.WhoCanTalkOverride{Mode: strPtr(policy.WhoEveryone), Senders: []string{}},
				WhenToReply: &policy.WhenToReplyOverride{Mode: strPtr("all"), Senders: []string{}},
			},
		}
		doc.Channels["whatsapp"] = channel
	})

	res := svc.ExecuteApprove([]string{testGroup}, "/approve "+testGroup, false, ownerActor())
	if res.Outcome != OutcomeNoop {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Message)
	}
	if res.Message != "No policy changes required." {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestExecuteApproveRecordsSubjectComment(t *testing.T) {
	home := t.TempDir()
	path := home + "/policy.json"
	doc := policy.DefaultDocument()
	doc.Owners["whatsapp"] = []string{"+15550001111"}
	if err := policy.Save(path, doc); err != nil {
		t.Fatal(err)
	}
	svc := NewService(Options{
		PolicyPath: path,
		Workspace:  home,
		KnownTools: adminTestTools,
		SubjectResolver: func(ids []string) map[string]string {
			return map[string]string{testGroup: "Book Club"}
		},
	})

	res := svc.ExecuteApprove([]string{testGroup}, "/approve "+testGroup, false, ownerActor())
	if res.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Message)
	}
	if !strings.Contains(res.Message, "(Book Club)") {
		t.Fatalf("message = %q", res.Message)
	}
	if got := groupOverride(t, path, testGroup).Comment; got != "Book Club" {
		t.Fatalf("comment = %q", got)
	}
}

func TestExecuteDeny(t *testing.T) {
	svc, path := newTestService(t, nil)

	res := svc.ExecuteDeny([]string{testGroup}, "/deny "+testGroup, ownerActor())
	if res.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Message)
	}
	want := fmt.Sprintf("🚫 Denied %s: whoCanTalk=allowlist (owners only).", testGroup)
	if res.Message != want {
		t.Fatalf("message = %q, want %q", res.Message, want)
	}

	override := groupOverride(t, path, testGroup)
	if override.WhoCanTalk == nil || *override.WhoCanTalk.Mode != policy.WhoAllowlist {
		t.Fatalf("whoCanTalk override = %+v", override.WhoCanTalk)
	}
	if len(override.WhoCanTalk.Senders) != 1 || override.WhoCanTalk.Senders[0] != "+15550001111" {
		t.Fatalf("senders = %v", override.WhoCanTalk.Senders)
	}
}

func TestExecuteDenyRequiresOwners(t *testing.T) {
	svc, _ := newTestService(t, func(doc *policy.Document) {
		doc.Owners["whatsapp"] = []string{}
	})
	res := svc.ExecuteDeny([]string{testGroup}, "/deny "+testGroup, ownerActor())
	if res.Outcome != OutcomeInvalid {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Message)
	}
	if res.Message != "Cannot deny group: owners.whatsapp is empty in policy." {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestApproveHandlerRouting(t *testing.T) {
	svc, _ := newTestService(t, nil)
	router := NewRouter(NewApproveHandler(svc, false), NewApproveHandler(svc, true), NewDenyHandler(svc))

	ownerDM := RouterContext{
		Channel: "whatsapp", ChatID: "15550001111@s.whatsapp.net",
		SenderID: "+15550001111", IsOwner: true,
		RawText: "/approve " + testGroup,
	}
	res, isCommand := router.Route(ownerDM)
	if !isCommand || res.Status != StatusHandled {
		t.Fatalf("owner DM route = %+v (command=%v)", res, isCommand)
	}
	if res.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Response)
	}

	// Non-owners and group chats fall through to the normal pipeline.
	stranger := ownerDM
	stranger.IsOwner = false
	if res, _ := router.Route(stranger); res.Status != StatusIgnored {
		t.Fatalf("non-owner route = %+v", res)
	}
	inGroup := ownerDM
	inGroup.IsGroup = true
	if res, _ := router.Route(inGroup); res.Status != StatusIgnored {
		t.Fatalf("group route = %+v", res)
	}
}

type stubResetter struct {
	key string
	n   int
	err error
}

func (s *stubResetter) Clear(key string) (int, error) {
	s.key = key
	return s.n, s.err
}

func TestResetSessionHandler(t *testing.T) {
	resetter := &stubResetter{n: 4}
	router := NewRouter(NewResetSessionHandler(resetter))

	ctx := RouterContext{
		Channel: "whatsapp", ChatID: testGroup,
		SenderID: "+15550001111", IsGroup: true, IsOwner: true,
		RawText: "/reset",
	}
	res, isCommand := router.Route(ctx)
	if !isCommand || res.Status != StatusHandled {
		t.Fatalf("route = %+v (command=%v)", res, isCommand)
	}
	want := fmt.Sprintf("Conversation history cleared for %s (4 messages).", testGroup)
	if res.Response != want {
		t.Fatalf("response = %q, want %q", res.Response, want)
	}
	if resetter.key != "whatsapp:"+testGroup {
		t.Fatalf("cleared key = %q", resetter.key)
	}

	ctx.RawText = "/reset now"
	res, _ = router.Route(ctx)
	if res.Response != "Usage: /reset" {
		t.Fatalf("usage response = %q", res.Response)
	}

	resetter.err = errors.New("disk gone")
	ctx.RawText = "/reset"
	res, _ = router.Route(ctx)
	if res.Response != "Session reset failed: disk gone" {
		t.Fatalf("error response = %q", res.Response)
	}

	// Non-owners never see the command.
	ctx.IsOwner = false
	if res, _ := router.Route(ctx); res.Status != StatusIgnored {
		t.Fatalf("non-owner route = %+v", res)
	}
}
