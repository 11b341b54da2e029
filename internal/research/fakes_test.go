package research

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sells-group/lead-research/pkg/anthropic"
	"github.com/sells-group/lead-research/pkg/gemini"
	"github.com/sells-group/lead-research/pkg/perplexity"
)

// scriptedReasoner replays responses in order and repeats the last one once
// the script runs out.
type scriptedReasoner struct {
	mu        sync.Mutex
	responses []*anthropic.MessageResponse
	err       error
	requests  []anthropic.MessageRequest
}

func (s *scriptedReasoner) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]anthropic.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	s.requests = append(s.requests, req)

	if s.err != nil {
		return nil, s.err
	}
	i := len(s.requests) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

func toolUse(id, query string) anthropic.ContentBlock {
	input, _ := json.Marshal(map[string]string{"query": query})
	return anthropic.ContentBlock{Type: anthropic.BlockTypeToolUse, ID: id, Name: SearchToolName, Input: input}
}

func textBlock(text string) anthropic.ContentBlock {
	return anthropic.ContentBlock{Type: anthropic.BlockTypeText, Text: text}
}

func reply(blocks ...anthropic.ContentBlock) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: blocks,
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}

type fakeSearcher struct {
	mu    sync.Mutex
	calls []SearchArgs
	err   error
}

func (f *fakeSearcher) Search(_ context.Context, args SearchArgs) (*SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if f.err != nil {
		return nil, f.err
	}
	return &SearchResult{
		Sources:  []Source{{URL: "https://example.com/" + args.Query}},
		Findings: "found " + args.Query,
	}, nil
}

type fakeNormalizer struct {
	mu     sync.Mutex
	inputs []string
	result *Normalized
	err    error
}

func (f *fakeNormalizer) Normalize(_ context.Context, text string) (*Normalized, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, text)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	r, err := DecodeResult(text)
	if err != nil {
		return nil, err
	}
	return &Normalized{Result: r, Model: "fake"}, nil
}

type fakePerplexity struct {
	mu        sync.Mutex
	responses []*perplexity.ChatCompletionResponse
	errs      []error
	requests  []perplexity.ChatCompletionRequest
}

func (f *fakePerplexity) ChatCompletion(_ context.Context, req perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.requests)
	f.requests = append(f.requests, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

func chatResponse(content string) *perplexity.ChatCompletionResponse {
	return &perplexity.ChatCompletionResponse{
		Choices: []perplexity.Choice{{Message: perplexity.Message{Role: "assistant", Content: content}}},
	}
}

type fakeGemini struct {
	req  gemini.JSONRequest
	resp *gemini.JSONResponse
	err  error
}

func (f *fakeGemini) GenerateJSON(_ context.Context, req gemini.JSONRequest) (*gemini.JSONResponse, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}
