// Package servertools recognizes Anthropic "server-side" tools (web
// search) that the proxy executes itself, and chains local/public/paid
// search providers on the proxy's own behalf.
package servertools

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	httpclient "github.com/sparkmesh/clusterproxy/pkg/internal/http"
)

// Tool is the minimal shape of an Anthropic tool definition this package
// needs to recognize server-side tools.
type Tool struct {
	Type string
	Name string
}

// FilterResult separates the tools the backend should see from the ones
// the proxy handles itself.
type FilterResult struct {
	RegularTools  []Tool
	ServerTools   []Tool
	HasWebSearch  bool
}

var webSearchType = regexp.MustCompile(`(?i)^web_search(_\d{8})?$`)

func isWebSearchTool(t Tool) bool {
	if webSearchType.MatchString(t.Type) {
		return true
	}
	name := strings.ToLower(t.Name)
	return name == "websearch" || name == "web_search" || name == "web search"
}

// FilterServerSideTools splits tools into regular (forwarded) and
// server-side (executed locally) groups.
func FilterServerSideTools(tools []Tool) FilterResult {
	var res FilterResult
	for _, t := range tools {
		if isWebSearchTool(t) {
			res.ServerTools = append(res.ServerTools, t)
			res.HasWebSearch = true
			continue
		}
		res.RegularTools = append(res.RegularTools, t)
	}
	return res
}

var timeSensitiveCues = regexp.MustCompile(`(?i)\b(latest|recent news|breaking news|today's|this week|currently happening)\b`)
var explicitSearchVerb = regexp.MustCompile(`(?i)\b(search the web|web search|look up online|google)\b`)
var searchXinY = regexp.MustCompile(`(?i)\bsearch\s+\S+\s+(in|for)\s+\S+`)
var bareSearch = regexp.MustCompile(`(?i)\bsearch\b`)
var fileSearchHint = regexp.MustCompile(`(?i)\b(file|directory|folder|codebase|repo|function|current)\b`)

// DetectSearchIntent reports whether message calls for a web search,
// distinguishing it from an ambiguous bare "search" that more likely
// means file search.
func DetectSearchIntent(message string) bool {
	if timeSensitiveCues.MatchString(message) {
		return true
	}
	if explicitSearchVerb.MatchString(message) {
		return true
	}
	if searchXinY.MatchString(message) {
		return true
	}
	if bareSearch.MatchString(message) && !fileSearchHint.MatchString(message) {
		// "search" alone, without a file-search cue, leans toward a
		// general web query only when paired with a further content cue.
		return false
	}
	return false
}

// Result is one search hit.
type Result struct {
	URL     string
	Title   string
	Snippet string
}

const maxResults = 10
const providerTimeout = 5 * time.Second

// Searcher executes a query against a single provider.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// Chain tries each Searcher in order, falling through to the next on
// connection failure, non-200, or JSON parse failure.
type Chain struct {
	Providers []Searcher
}

// DefaultChain builds the local-meta-search -> public-meta-search ->
// paid-API chain described in spec.md §4.5, reading configuration from
// environment variables (the actual .env/file loading is an external
// collaborator per SPEC_FULL.md §A; this only reads already-present
// process environment).
func DefaultChain(client *httpclient.Client) Chain {
	var providers []Searcher

	searxngURL := os.Getenv("SEARXNG_URL")
	if searxngURL == "" {
		searxngURL = "http://localhost:8080"
	}
	providers = append(providers, &searxngProvider{baseURL: searxngURL, client: client})
	providers = append(providers, &publicMetaSearchProvider{client: client})

	if key := os.Getenv("SEARCH_API_KEY"); key != "" {
		providers = append(providers, &paidAPIProvider{apiKey: key, client: client})
	}

	return Chain{Providers: providers}
}

// ExecuteSearch runs query through the chain, returning the first
// provider's successful results (capped at ten) or an error if every
// provider fails.
func (c Chain) ExecuteSearch(ctx context.Context, query string) ([]Result, error) {
	var lastErr error
	for _, p := range c.Providers {
		pctx, cancel := context.WithTimeout(ctx, providerTimeout)
		results, err := p.Search(pctx, query)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if len(results) > maxResults {
			results = results[:maxResults]
		}
		return results, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("servertools: no search providers configured")
	}
	return nil, lastErr
}

type searxngRawResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type searxngResponse struct {
	Results []searxngRawResult `json:"results"`
}

type searxngProvider struct {
	baseURL string
	client  *httpclient.Client
}

func (p *searxngProvider) Search(ctx context.Context, query string) ([]Result, error) {
	cl := p.client
	if cl == nil {
		cl = httpclient.NewClient(httpclient.Config{BaseURL: p.baseURL, Timeout: providerTimeout})
	} else {
		cl.SetBaseURL(p.baseURL)
	}

	q := map[string]string{
		"q":          query,
		"format":     "json",
		"categories": "general",
	}

	var out searxngResponse
	err := cl.DoJSON(ctx, httpclient.Request{
		Method: "GET",
		Path:   "/search",
		Query:  q,
	}, &out)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(out.Results))
	for _, r := range out.Results {
		results = append(results, Result{URL: r.URL, Title: r.Title, Snippet: r.Content})
	}
	return results, nil
}

// publicMetaSearchProvider is the fallback used when no local SearXNG
// instance answers. It speaks the same JSON shape as searxngProvider
// against a public instance.
type publicMetaSearchProvider struct {
	client *httpclient.Client
}

func (p *publicMetaSearchProvider) Search(ctx context.Context, query string) ([]Result, error) {
	cl := p.client
	if cl == nil {
		cl = httpclient.NewClient(httpclient.Config{BaseURL: "https://searx.be", Timeout: providerTimeout})
	} else {
		cl.SetBaseURL("https://searx.be")
	}

	q := map[string]string{
		"q":          query,
		"format":     "json",
		"categories": "general",
	}

	var out searxngResponse
	err := cl.DoJSON(ctx, httpclient.Request{
		Method: "GET",
		Path:   "/search",
		Query:  q,
	}, &out)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(out.Results))
	for _, r := range out.Results {
		results = append(results, Result{URL: r.URL, Title: r.Title, Snippet: r.Content})
	}
	return results, nil
}

type paidAPIResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

type paidAPIProvider struct {
	apiKey string
	client *httpclient.Client
}

func (p *paidAPIProvider) Search(ctx context.Context, query string) ([]Result, error) {
	cl := p.client
	if cl == nil {
		cl = httpclient.NewClient(httpclient.Config{BaseURL: "https://api.search-provider.example", Timeout: providerTimeout})
	} else {
		cl.SetBaseURL("https://api.search-provider.example")
	}

	body := map[string]string{"q": query}
	var out paidAPIResponse
	err := cl.DoJSON(ctx, httpclient.Request{
		Method:  "POST",
		Path:    "/v1/search",
		Headers: map[string]string{"Authorization": "Bearer " + p.apiKey},
		Body:    body,
	}, &out)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(out.Results))
	for _, r := range out.Results {
		results = append(results, Result{URL: r.URL, Title: r.Title, Snippet: r.Snippet})
	}
	return results, nil
}

// FormatResultsForContext renders results as a human-readable block that
// the pipeline appends to the user's turn.
func FormatResultsForContext(query string, results []Result) string {
	var b strings.Builder
	b.WriteString("Web Search Results")
	b.WriteString(" for \"")
	b.WriteString(query)
	b.WriteString("\":\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	return b.String()
}
