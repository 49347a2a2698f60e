package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quietloop/steward/internal/config"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func chatCompletionJSON(content string) string {
	return `{"choices":[{"message":{"content":` + jsonString(content) + `},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestOpenAIProviderChat(t *testing.T) {
	var gotAuth, gotExtra string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotExtra = r.Header.Get("X-Title")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatCompletionJSON("hi there")))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "secret-key", srv.URL, "gpt-4o").
		WithExtraHeaders(map[string]string{"X-Title": "steward"})

	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages:    []Message{{Role: "user", Content: "hello"}},
		MaxTokens:   100,
		Temperature: 0.5,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hi there" || resp.FinishReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v, want total 15", resp.Usage)
	}
	if gotAuth != "Bearer secret-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotExtra != "steward" {
		t.Errorf("X-Title = %q, want extra header forwarded", gotExtra)
	}
	if gotBody["model"] != "gpt-4o" {
		t.Errorf("model = %v", gotBody["model"])
	}
	if gotBody["max_tokens"] != float64(100) || gotBody["temperature"] != 0.5 {
		t.Errorf("body options = %v / %v", gotBody["max_tokens"], gotBody["temperature"])
	}
}

func TestOpenAIProviderParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":[` +
			`{"id":"call_1","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"notes.md\"}"}}` +
			`]},"finish_reason":"tool_calls"}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "k", srv.URL, "gpt-4o")
	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "read it"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.FinishReason != "tool_calls" || len(resp.ToolCalls) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	call := resp.ToolCalls[0]
	if call.Name != "read_file" || call.Arguments["path"] != "notes.md" {
		t.Errorf("call = %+v", call)
	}
}

func TestOpenAIProviderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "k", srv.URL, "gpt-4o").WithRetryConfig(fastRetry())
	_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusBadRequest {
		t.Fatalf("err = %v, want HTTPError 400", err)
	}
	if httpErr.Temporary() {
		t.Error("400 should not be temporary")
	}
}

func TestClientChatRouteFallsBackOnServerError(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer primary.Close()
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatCompletionJSON("from backup")))
	}))
	defer backup.Close()

	c := NewClient(NewRouter(testModels()), config.ProvidersConfig{
		OpenAI: config.ProviderConfig{APIKey: "k1", APIBase: primary.URL},
		Groq:   config.ProviderConfig{APIKey: "k2", APIBase: backup.URL},
	})
	// Seed the cache so the primary provider fails fast instead of
	// walking the full backoff schedule.
	c.cache["openai"] = NewOpenAIProvider("openai", "k1", primary.URL, "gpt-4o").WithRetryConfig(fastRetry())

	resp, err := c.ChatRoute(context.Background(), "assistant.reply", "", ChatRequest{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("ChatRoute: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("Content = %q, want backup reply", resp.Content)
	}
	if _, cooling := c.router.CooldownState()["chat_primary"]; !cooling {
		t.Error("expected chat_primary marked in cooldown")
	}
}

func TestClientChatRouteReturnsPermanentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(NewRouter(testModels()), config.ProvidersConfig{
		OpenAI: config.ProviderConfig{APIKey: "k1", APIBase: srv.URL},
	})

	_, err := c.ChatRoute(context.Background(), "assistant.reply", "", ChatRequest{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want HTTPError 401", err)
	}
	if len(c.router.CooldownState()) != 0 {
		t.Error("permanent errors must not trigger cooldown")
	}
}

func TestClientCompletion(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(chatCompletionJSON(`{"risk":"low"}`)))
	}))
	defer srv.Close()

	c := NewClient(NewRouter(testModels()), config.ProvidersConfig{
		OpenAI: config.ProviderConfig{APIKey: "k1", APIBase: srv.URL},
	})

	complete := c.Completion("assistant.reply", "")
	content, err := complete(context.Background(), "you are a classifier", "check this")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if content != `{"risk":"low"}` {
		t.Errorf("content = %q", content)
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v, want system+user", gotBody["messages"])
	}
	first, _ := msgs[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "you are a classifier" {
		t.Errorf("first message = %v", first)
	}
}

func TestClientMissingAPIKey(t *testing.T) {
	c := NewClient(NewRouter(testModels()), config.ProvidersConfig{})
	_, err := c.ChatRoute(context.Background(), "assistant.reply", "", ChatRequest{
		Messages: []Message{{Role: "user", Content: "x"}},
	})
	if err == nil || err.Error() != `provider "openai" has no api key configured` {
		t.Errorf("err = %v", err)
	}
}

func TestRetryDoRetriesTemporaryErrors(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	result, err := RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", &HTTPError{Status: http.StatusTooManyRequests, Body: "slow down"}
		}
		return "ok", nil
	})
	if err != nil || result != "ok" {
		t.Fatalf("result = %q err = %v", result, err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	_, err := RetryDo(context.Background(), DefaultRetryConfig(), func() (string, error) {
		attempts++
		return "", errors.New("broken pipe is not an http error")
	})
	if err == nil || attempts != 1 {
		t.Errorf("attempts = %d err = %v, want single attempt", attempts, err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("5"); d != 5*time.Second {
		t.Errorf("ParseRetryAfter(5) = %v", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Errorf("ParseRetryAfter empty = %v", d)
	}
	if d := ParseRetryAfter("soon"); d != 0 {
		t.Errorf("ParseRetryAfter junk = %v", d)
	}
}
