package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quietloop/steward/internal/config"
)

func TestOpenAISpeechFallsBackToFormatKey(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		if _, ok := body["response_format"]; ok {
			http.Error(w, `{"error":"unknown field response_format"}`, http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("opus-bytes"))
	}))
	defer srv.Close()

	s := NewOpenAISpeech("openai", "k", srv.URL)
	audio, err := s.Synthesize(context.Background(), SpeechRequest{Text: "hello", Model: "tts-1", Voice: "nova", Format: "opus"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "opus-bytes" {
		t.Errorf("audio = %q", audio)
	}
	if len(bodies) != 2 {
		t.Fatalf("requests = %d, want retry with alternate payload", len(bodies))
	}
	if _, ok := bodies[1]["format"]; !ok {
		t.Errorf("second body = %v, want format key", bodies[1])
	}
}

func TestOpenAISpeechPrefixesOpenRouterModel(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		_, _ = w.Write([]byte("audio"))
	}))
	defer srv.Close()

	s := NewOpenAISpeech("openrouter", "k", srv.URL)
	if _, err := s.Synthesize(context.Background(), SpeechRequest{Text: "hi", Model: "tts-1"}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if gotModel != "openai/tts-1" {
		t.Errorf("model = %q, want openai/tts-1", gotModel)
	}
}

func TestElevenLabsSpeech(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotKey = r.Header.Get("xi-api-key")
		_, _ = w.Write([]byte("eleven-audio"))
	}))
	defer srv.Close()

	s := NewElevenLabsSpeech("xi-key", srv.URL)
	audio, err := s.Synthesize(context.Background(), SpeechRequest{Text: "hallo", Voice: "v123"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "eleven-audio" {
		t.Errorf("audio = %q", audio)
	}
	if gotPath != "/text-to-speech/v123?output_format=opus_48000_64" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "xi-key" {
		t.Errorf("xi-api-key = %q", gotKey)
	}
}

func TestElevenLabsSpeechRequiresVoice(t *testing.T) {
	s := NewElevenLabsSpeech("k", "")
	_, err := s.Synthesize(context.Background(), SpeechRequest{Text: "hi"})
	if err == nil || err.Error() != "tts_voice_missing" {
		t.Errorf("err = %v", err)
	}
}

func TestElevenLabsSpeechQuotaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":{"status":"quota_exceeded"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewElevenLabsSpeech("k", srv.URL)
	_, err := s.Synthesize(context.Background(), SpeechRequest{Text: "hi", Voice: "v1"})
	if !errors.Is(err, ErrSpeechQuota) {
		t.Errorf("err = %v, want ErrSpeechQuota", err)
	}
}

func TestSynthesizerSpeakRoute(t *testing.T) {
	var gotVoice string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotVoice, _ = body["voice"].(string)
		_, _ = w.Write([]byte("routed-audio"))
	}))
	defer srv.Close()

	synth := NewSynthesizer(NewRouter(testModels()), config.ProvidersConfig{
		OpenAI: config.ProviderConfig{APIKey: "k", APIBase: srv.URL},
	}, 2)

	audio, err := synth.SpeakRoute(context.Background(), "tts.speak", "telegram", "guten morgen", "", "opus")
	if err != nil {
		t.Fatalf("SpeakRoute: %v", err)
	}
	if string(audio) != "routed-audio" {
		t.Errorf("audio = %q", audio)
	}
	if gotVoice != "nova" {
		t.Errorf("voice = %q, want profile default", gotVoice)
	}
}

func TestSynthesizerRejectsChatProfile(t *testing.T) {
	synth := NewSynthesizer(NewRouter(testModels()), config.ProvidersConfig{}, 1)
	_, err := synth.SpeakRoute(context.Background(), "assistant.reply", "", "text", "", "")
	if err == nil || !strings.Contains(err.Error(), `want "tts"`) {
		t.Errorf("err = %v, want kind mismatch", err)
	}
}

func TestSynthesizerUnsupportedProvider(t *testing.T) {
	models := config.ModelsConfig{
		Profiles: map[string]config.ModelProfile{
			"weird": {Kind: "tts", Provider: "deepseek", Model: "some-tts"},
		},
		Routes: map[string]string{"tts.speak": "weird"},
	}
	synth := NewSynthesizer(NewRouter(models), config.ProvidersConfig{
		DeepSeek: config.ProviderConfig{APIKey: "k"},
	}, 1)

	_, err := synth.SpeakRoute(context.Background(), "tts.speak", "", "text", "", "")
	if err == nil || err.Error() != "tts_provider_unsupported:deepseek" {
		t.Errorf("err = %v", err)
	}
}

func TestSynthesizerEmptyAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	synth := NewSynthesizer(NewRouter(testModels()), config.ProvidersConfig{
		OpenAI: config.ProviderConfig{APIKey: "k", APIBase: srv.URL},
	}, 1)

	_, err := synth.SpeakRoute(context.Background(), "tts.speak", "", "text", "", "opus")
	if err == nil || err.Error() != "tts_empty_audio" {
		t.Errorf("err = %v", err)
	}
}
