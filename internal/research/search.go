package research

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-research/internal/resilience"
	"github.com/sells-group/lead-research/pkg/anthropic"
	"github.com/sells-group/lead-research/pkg/perplexity"
)

// SearchToolName is the tool name declared to the reasoning capability.
const SearchToolName = "perplexity_search"

const (
	searchSystemPrompt = "You are a precise research assistant. Return only JSON."
	searchDescription  = "Search the web via Perplexity and return JSON string with findings and sources."
)

// SearchToolSpec is the single tool declared to the reasoning capability.
var SearchToolSpec = anthropic.Tool{
	Name:        SearchToolName,
	Description: searchDescription,
	InputSchema: anthropic.ToolInputSchema{
		Properties: map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query string"},
			"focus": map[string]any{"type": "string", "description": "Optional focus refinement"},
		},
		Required: []string{"query"},
	},
}

// SearchArgs are the search tool's arguments.
type SearchArgs struct {
	Query string `json:"query"`
	Focus string `json:"focus,omitempty"`
}

// Source is one web source returned by a search.
type Source struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchResult is the structured output of one search call.
type SearchResult struct {
	Sources  []Source `json:"sources"`
	Findings string   `json:"findings"`
}

// Searcher executes the search tool.
type Searcher interface {
	Search(ctx context.Context, args SearchArgs) (*SearchResult, error)
}

// SearchTool runs searches against the Perplexity chat-completions API.
type SearchTool struct {
	client  perplexity.Client
	limiter *rate.Limiter
	policy  resilience.Policy
}

// SearchOption configures a SearchTool.
type SearchOption func(*SearchTool)

// WithRateLimit caps searches per second across all callers of the tool.
// Non-positive values disable the limit.
func WithRateLimit(perSec float64) SearchOption {
	return func(t *SearchTool) {
		if perSec <= 0 {
			t.limiter = nil
			return
		}
		t.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
	}
}

// WithRetryPolicy replaces the retry policy for transient search failures.
func WithRetryPolicy(p resilience.Policy) SearchOption {
	return func(t *SearchTool) { t.policy = p }
}

// NewSearchTool creates a SearchTool. A nil client fails every search with
// ErrMissingCredentials.
func NewSearchTool(client perplexity.Client, opts ...SearchOption) *SearchTool {
	t := &SearchTool{
		client: client,
		policy: resilience.NewPolicy(1),
	}
	for _, o := range opts {
		o(t)
	}
	if t.policy.OnRetry == nil {
		t.policy.OnRetry = resilience.LogRetry(CapabilitySearch)
	}
	return t
}

// Search runs one query. Transport failures are returned; an unparseable
// answer is wrapped as findings with no sources.
func (t *SearchTool) Search(ctx context.Context, args SearchArgs) (*SearchResult, error) {
	if t.client == nil {
		return nil, missingCredentials(CapabilitySearch)
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "research: search rate limit")
		}
	}

	req := perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: searchSystemPrompt},
			{Role: "user", Content: searchPrompt(args)},
		},
	}

	resp, err := resilience.Retry(ctx, t.policy, func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
		return t.client.ChatCompletion(ctx, req)
	})
	if err != nil {
		return nil, eris.Wrap(asTransportError(CapabilitySearch, err), "research: search")
	}

	content := resp.Content()
	if strings.TrimSpace(content) == "" {
		content = "{}"
	}
	result := ParseSearchContent(content)
	result.Sources = mergeReferences(result.Sources, resp.References())

	zap.L().Debug("search complete",
		zap.String("query", args.Query),
		zap.Int("sources", len(result.Sources)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	return result, nil
}

func searchPrompt(args SearchArgs) string {
	var b strings.Builder
	b.WriteString("Search the web for: ")
	b.WriteString(args.Query)
	if args.Focus != "" {
		b.WriteString("\nFocus: ")
		b.WriteString(args.Focus)
	}
	b.WriteString("\nReturn JSON with fields: { sources: [{url,title,snippet}], findings: string }. Keep findings concise; no markdown.")
	return b.String()
}

// ParseSearchContent decodes a search answer. Sources without a string url
// are dropped and a non-string findings becomes empty. Content that is not a
// JSON object is returned verbatim as findings.
func ParseSearchContent(content string) *SearchResult {
	var raw struct {
		Sources  json.RawMessage `json:"sources"`
		Findings json.RawMessage `json:"findings"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(content)), &raw); err != nil {
		return &SearchResult{Sources: []Source{}, Findings: content}
	}

	out := &SearchResult{Sources: []Source{}}

	var items []map[string]any
	if json.Unmarshal(raw.Sources, &items) == nil {
		for _, it := range items {
			url, ok := it["url"].(string)
			if !ok {
				continue
			}
			title, _ := it["title"].(string)
			snippet, _ := it["snippet"].(string)
			out.Sources = append(out.Sources, Source{URL: url, Title: title, Snippet: snippet})
		}
	}

	var findings string
	if json.Unmarshal(raw.Findings, &findings) == nil {
		out.Findings = findings
	}
	return out
}

func mergeReferences(sources []Source, refs []perplexity.SearchResult) []Source {
	if len(refs) == 0 {
		return sources
	}
	seen := make(map[string]bool, len(sources))
	for _, s := range sources {
		seen[s.URL] = true
	}
	for _, r := range refs {
		if seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		sources = append(sources, Source{URL: r.URL, Title: r.Title})
	}
	return sources
}

// cleanJSON strips markdown code fences and any prose around the outermost
// JSON object.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
