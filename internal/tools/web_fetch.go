package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchMaxChars    = 50000
	defaultFetchMaxRedirect = 3
	defaultFetchErrorChars  = 4000
	defaultFetchTimeout     = 30 * time.Second
	fetchUserAgent          = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// WebFetchTool fetches a URL and extracts readable content.
type WebFetchTool struct {
	maxChars     int
	timeout      time.Duration
	cache        *webCache
	client       *http.Client
	allowPrivate bool // tests only
}

// WebFetchOptions bounds the fetch tool.
type WebFetchOptions struct {
	MaxChars int
	Timeout  time.Duration
	CacheTTL time.Duration
}

func NewWebFetchTool(opts WebFetchOptions) *WebFetchTool {
	maxChars := opts.MaxChars
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	t := &WebFetchTool{
		maxChars: maxChars,
		timeout:  timeout,
		cache:    newWebCache(defaultCacheMaxEntries, opts.CacheTTL),
	}
	t.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 15 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > defaultFetchMaxRedirect {
				return fmt.Errorf("stopped after %d redirects", defaultFetchMaxRedirect)
			}
			if !t.allowPrivate {
				if err := checkSSRF(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
			}
			return nil
		},
	}
	return t
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract its content. Supports HTML (converted to markdown or text), JSON, and plain text."
}

func (t *WebFetchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch.",
			},
			"extract_mode": map[string]any{
				"type":        "string",
				"description": `Extraction mode ("markdown" or "text"). Default: "markdown".`,
				"enum":        []string{"markdown", "text"},
			},
			"max_chars": map[string]any{
				"type":        "number",
				"description": "Maximum characters to return (truncates when exceeded).",
				"minimum":     100.0,
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return "", fmt.Errorf("url is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("only http and https URLs are supported")
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing hostname in URL")
	}
	if !t.allowPrivate {
		if err := checkSSRF(rawURL); err != nil {
			return "", fmt.Errorf("request blocked: %w", err)
		}
	}

	extractMode := "markdown"
	if em, ok := args["extract_mode"].(string); ok && (em == "markdown" || em == "text") {
		extractMode = em
	}
	maxChars := t.maxChars
	if mc, ok := args["max_chars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	cacheKey := fmt.Sprintf("fetch:%s:%s:%d", rawURL, extractMode, maxChars)
	if cached, ok := t.cache.get(cacheKey); ok {
		slog.Debug("web_fetch cache hit", "url", rawURL)
		return cached, nil
	}

	result, err := t.doFetch(ctx, rawURL, extractMode, maxChars)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %s", truncateStr(err.Error(), defaultFetchErrorChars))
	}

	wrapped := wrapExternalContent(result, "Web Fetch", true)
	t.cache.set(cacheKey, wrapped)
	return wrapped, nil
}

// Close releases pooled connections.
func (t *WebFetchTool) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *WebFetchTool) doFetch(ctx context.Context, rawURL, extractMode string, maxChars int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// HTML carries markup overhead, so read past the char limit before
	// converting and truncate afterwards.
	limitReader := io.LimitReader(resp.Body, int64(maxChars*4))
	body, err := io.ReadAll(limitReader)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	finalURL := resp.Request.URL.String()

	var text string
	var extractor string
	switch {
	case strings.Contains(contentType, "application/json"):
		text, extractor = extractJSON(body)

	case strings.Contains(contentType, "text/markdown"):
		text = string(body)
		extractor = "markdown"
		if extractMode == "text" {
			text = markdownToText(text)
		}

	case strings.Contains(contentType, "text/html"),
		strings.Contains(contentType, "application/xhtml"):
		if extractMode == "markdown" {
			text = htmlToMarkdown(string(body))
			extractor = "html-to-markdown"
		} else {
			text = htmlToText(string(body))
			extractor = "html-to-text"
		}

	default:
		text = string(body)
		extractor = "raw"
	}

	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", finalURL)
	fmt.Fprintf(&sb, "Status: %d\n", resp.StatusCode)
	fmt.Fprintf(&sb, "Extractor: %s\n", extractor)
	if truncated {
		fmt.Fprintf(&sb, "Truncated: true (limit: %d chars)\n", maxChars)
	}
	fmt.Fprintf(&sb, "Length: %d\n\n", len(text))
	sb.WriteString(text)
	return sb.String(), nil
}
