package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// braveSearchProvider queries the Brave Search API. It is the primary
// provider whenever a subscription key is configured.
type braveSearchProvider struct {
	apiKey string
	client *http.Client
}

func newBraveSearchProvider(apiKey string, client *http.Client) *braveSearchProvider {
	return &braveSearchProvider{apiKey: apiKey, client: client}
}

func (p *braveSearchProvider) Name() string { return "brave" }

type braveWebResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (p *braveSearchProvider) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveSearchEndpoint+"?"+p.query(params).Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := readBodySnippet(resp.Body, 200)
		return nil, fmt.Errorf("brave API returned %d: %s", resp.StatusCode, snippet)
	}

	var payload struct {
		Web struct {
			Results []braveWebResult `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]searchResult, 0, len(payload.Web.Results))
	for _, r := range payload.Web.Results {
		results = append(results, searchResult(r))
	}
	return results, nil
}

func (p *braveSearchProvider) query(params searchParams) url.Values {
	q := url.Values{}
	q.Set("q", params.Query)
	q.Set("count", strconv.Itoa(params.Count))
	if params.Country != "" {
		q.Set("country", params.Country)
	}
	if params.SearchLang != "" {
		q.Set("search_lang", params.SearchLang)
	}
	if params.UILang != "" {
		q.Set("ui_lang", params.UILang)
	}
	if f := normalizeFreshness(params.Freshness); f != "" {
		q.Set("freshness", f)
	}
	return q
}
