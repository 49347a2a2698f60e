package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/quietloop/steward/internal/config"
)

// ErrSpeechQuota marks an exhausted TTS quota on the provider side.
var ErrSpeechQuota = errors.New("tts_quota_exceeded")

// SpeechRequest is one text-to-speech invocation.
type SpeechRequest struct {
	Text   string
	Model  string
	Voice  string
	Format string // audio container, e.g. "opus", "mp3"
}

// SpeechProvider synthesizes audio from text.
type SpeechProvider interface {
	Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error)
	Name() string
}

// OpenAISpeech calls the /audio/speech endpoint of OpenAI-compatible
// APIs (OpenAI, OpenRouter, Groq).
type OpenAISpeech struct {
	name         string
	apiKey       string
	apiBase      string
	extraHeaders map[string]string
	client       *http.Client
}

func NewOpenAISpeech(name, apiKey, apiBase string) *OpenAISpeech {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAISpeech{
		name:    name,
		apiKey:  apiKey,
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *OpenAISpeech) WithExtraHeaders(headers map[string]string) *OpenAISpeech {
	s.extraHeaders = headers
	return s
}

func (s *OpenAISpeech) Name() string { return s.name }

// Synthesize posts to /audio/speech. Some gateways want the container
// key as "format" instead of "response_format", so a 4xx is retried
// once with the alternate payload.
func (s *OpenAISpeech) Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error) {
	model := req.Model
	if s.name == "openrouter" && !strings.Contains(model, "/") {
		model = "openai/" + model
	}
	voice := req.Voice
	if voice == "" {
		voice = "alloy"
	}
	format := req.Format
	if format == "" {
		format = "opus"
	}

	body := map[string]any{
		"model":           model,
		"voice":           voice,
		"input":           req.Text,
		"response_format": format,
	}
	audio, err := s.post(ctx, body)
	if err == nil {
		return audio, nil
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Status >= 400 && httpErr.Status < 500 {
		alt := map[string]any{
			"model":  model,
			"voice":  voice,
			"input":  req.Text,
			"format": format,
		}
		if audio, altErr := s.post(ctx, alt); altErr == nil {
			return audio, nil
		}
	}
	return nil, err
}

func (s *OpenAISpeech) post(ctx context.Context, body map[string]any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal speech request: %w", s.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.apiBase+"/audio/speech", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create speech request: %w", s.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	for k, v := range s.extraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: speech request failed: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", s.name, string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return io.ReadAll(resp.Body)
}

// ElevenLabsSpeech calls the ElevenLabs text-to-speech API. The voice
// field selects the voice ID; output is opus at 48 kHz / 64 kbps.
type ElevenLabsSpeech struct {
	apiKey  string
	apiBase string
	client  *http.Client
}

func NewElevenLabsSpeech(apiKey, apiBase string) *ElevenLabsSpeech {
	if apiBase == "" {
		apiBase = "https://api.elevenlabs.io/v1"
	}
	return &ElevenLabsSpeech{
		apiKey:  apiKey,
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *ElevenLabsSpeech) Name() string { return "elevenlabs" }

func (s *ElevenLabsSpeech) Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if req.Voice == "" {
		return nil, errors.New("tts_voice_missing")
	}
	model := req.Model
	if model == "" {
		model = "eleven_multilingual_v2"
	}

	body, err := json.Marshal(map[string]any{
		"text":     req.Text,
		"model_id": model,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal speech request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s?output_format=opus_48000_64",
		s.apiBase, url.PathEscape(req.Voice))
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create speech request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: speech request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if bytes.Contains(respBody, []byte("quota_exceeded")) {
			return nil, fmt.Errorf("%w: %s", ErrSpeechQuota, string(respBody))
		}
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("elevenlabs: %s", string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return io.ReadAll(resp.Body)
}

// Synthesizer dispatches routed speech requests to the right provider
// under a process-wide concurrency cap.
type Synthesizer struct {
	router *Router
	creds  config.ProvidersConfig
	sem    *semaphore.Weighted
}

func NewSynthesizer(router *Router, creds config.ProvidersConfig, maxConcurrency int) *Synthesizer {
	if maxConcurrency < 1 {
		maxConcurrency = 2
	}
	return &Synthesizer{
		router: router,
		creds:  creds,
		sem:    semaphore.NewWeighted(int64(maxConcurrency)),
	}
}

// SpeakRoute resolves the TTS route for channel and synthesizes text.
// The profile supplies model and default voice; explicit voice and
// format arguments win.
func (s *Synthesizer) SpeakRoute(ctx context.Context, task, channel, text, voice, format string) ([]byte, error) {
	profile, err := s.router.ResolveKind(task, channel, "tts")
	if err != nil {
		return nil, err
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	provider, err := s.speechProvider(profile)
	if err != nil {
		return nil, err
	}

	if voice == "" {
		voice = profile.Voice
	}
	req := SpeechRequest{Text: text, Model: profile.Model, Voice: voice, Format: format}

	if profile.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, profile.Timeout)
		defer cancel()
	}

	audio, err := provider.Synthesize(ctx, req)
	if err != nil {
		if errType, temporary := classifyProviderError(err); temporary {
			s.router.MarkError(profile.ProfileName, errType)
		}
		return nil, err
	}
	if len(audio) == 0 {
		return nil, errors.New("tts_empty_audio")
	}
	return audio, nil
}

func (s *Synthesizer) speechProvider(profile ResolvedProfile) (SpeechProvider, error) {
	name := ProviderName(profile)
	cred, ok := credentialFor(name, s.creds)
	if !ok {
		return nil, fmt.Errorf("tts_provider_unsupported:%s", name)
	}
	apiKey := strings.TrimSpace(cred.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("provider %q has no api key configured", name)
	}

	switch name {
	case "openai", "openrouter", "groq":
		base := cred.APIBase
		if base == "" {
			base = apiBases[name]
		}
		sp := NewOpenAISpeech(name, apiKey, base)
		if len(cred.ExtraHeaders) > 0 {
			sp = sp.WithExtraHeaders(cred.ExtraHeaders)
		}
		return sp, nil
	case "elevenlabs":
		return NewElevenLabsSpeech(apiKey, cred.APIBase), nil
	default:
		return nil, fmt.Errorf("tts_provider_unsupported:%s", name)
	}
}
