// Package research runs the tool-using agent loop that researches one lead
// and normalizes its answer into a model.ResearchResult.
package research

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-research/internal/model"
	"github.com/sells-group/lead-research/pkg/anthropic"
)

// Defaults for Config fields left zero.
const (
	DefaultAgentModel    = "claude-opus-4-1-20250805"
	DefaultMaxTokens     = 1400
	DefaultMaxIterations = 20
)

const agentSystemPrompt = "You are an autonomous research agent. Use tools when needed; finish with a single JSON object only."

// State is a step of the agent loop.
type State int

const (
	StateAwaitingModel State = iota
	StateToolRequested
	StateToolExecuting
	StateFinalText
	StateNormalizing
	StateDone
	StateMaxStepsExceeded
)

var stateNames = map[State]string{
	StateAwaitingModel:    "awaiting_model",
	StateToolRequested:    "tool_requested",
	StateToolExecuting:    "tool_executing",
	StateFinalText:        "final_text",
	StateNormalizing:      "normalizing",
	StateDone:             "done",
	StateMaxStepsExceeded: "max_steps_exceeded",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Config tunes the reasoning calls of the loop.
type Config struct {
	Model         string
	MaxTokens     int64
	Temperature   float64
	MaxIterations int
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		Model:         DefaultAgentModel,
		MaxTokens:     DefaultMaxTokens,
		Temperature:   0.2,
		MaxIterations: DefaultMaxIterations,
	}
}

// Outcome is the result of one research attempt.
type Outcome struct {
	Result model.ResearchResult

	// State is StateDone or StateMaxStepsExceeded.
	State State

	Iterations  int
	SearchCalls int

	// Turns is the conversation length when the loop left its cyclic part.
	Turns int

	AgentModel     string
	AgentUsage     anthropic.TokenUsage
	NormalizeModel string
	NormalizeUsage anthropic.TokenUsage
}

// Degraded reports whether the iteration cap produced a default result.
func (o *Outcome) Degraded() bool { return o.State == StateMaxStepsExceeded }

// Engine drives the reasoning capability and the search tool for one lead
// at a time. It is safe for concurrent use.
type Engine struct {
	reasoner   anthropic.Client
	search     Searcher
	normalizer Normalizer
	cfg        Config
}

// NewEngine creates an Engine. Nil capabilities fail the first attempt that
// needs them with ErrMissingCredentials.
func NewEngine(reasoner anthropic.Client, search Searcher, normalizer Normalizer, cfg Config) *Engine {
	if cfg.Model == "" {
		cfg.Model = DefaultAgentModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Engine{reasoner: reasoner, search: search, normalizer: normalizer, cfg: cfg}
}

// Research runs the agent loop for lead. Reaching the iteration cap is not an
// error: the outcome then carries model.DegradedResearchResult.
func (e *Engine) Research(ctx context.Context, lead model.Lead) (*Outcome, error) {
	log := zap.L().With(zap.String("lead_id", lead.ID))

	conv := NewConversation(SeedPrompt(lead))
	out := &Outcome{AgentModel: e.cfg.Model}

	var (
		pending []anthropic.ContentBlock
		final   string
	)

	state := StateAwaitingModel
	for {
		switch state {
		case StateAwaitingModel:
			if out.Iterations >= e.cfg.MaxIterations {
				state = StateMaxStepsExceeded
				continue
			}
			out.Iterations++

			resp, err := e.callModel(ctx, conv)
			if err != nil {
				return nil, err
			}
			out.AgentUsage.Add(resp.Usage)

			pending = searchInvocations(resp)
			if len(pending) > 0 {
				state = StateToolRequested
			} else {
				final = firstText(resp.Content, "{}")
				state = StateFinalText
			}

		case StateToolRequested:
			b := pending[0]
			if err := conv.AppendInvocation(ToolInvocation{ID: b.ID, Name: b.Name, Input: b.Input}); err != nil {
				return nil, err
			}
			state = StateToolExecuting

		case StateToolExecuting:
			b := pending[0]
			pending = pending[1:]

			res, err := e.runSearch(ctx, b)
			if err != nil {
				return nil, err
			}
			if err := conv.AppendResult(res); err != nil {
				return nil, err
			}
			if !res.IsError {
				out.SearchCalls++
			}
			log.Debug("search tool executed",
				zap.Int("iteration", out.Iterations),
				zap.String("tool", b.Name),
				zap.Bool("is_error", res.IsError),
			)

			if len(pending) > 0 {
				state = StateToolRequested
			} else {
				state = StateAwaitingModel
			}

		case StateFinalText:
			if err := conv.AppendText(RoleAssistant, final); err != nil {
				return nil, err
			}
			out.Turns = conv.Len()
			state = StateNormalizing

		case StateNormalizing:
			if e.normalizer == nil {
				return nil, missingCredentials(CapabilityNormalization)
			}
			n, err := e.normalizer.Normalize(ctx, final)
			if err != nil {
				return nil, err
			}
			out.Result = n.Result
			out.NormalizeModel = n.Model
			out.NormalizeUsage = n.Usage
			state = StateDone

		case StateDone:
			out.State = StateDone
			log.Info("research loop complete",
				zap.Int("iterations", out.Iterations),
				zap.Int("search_calls", out.SearchCalls),
				zap.Float64("confidence", out.Result.Confidence),
			)
			return out, nil

		case StateMaxStepsExceeded:
			out.State = StateMaxStepsExceeded
			out.Turns = conv.Len()
			out.Result = model.DegradedResearchResult()
			log.Warn("research loop hit iteration cap",
				zap.Int("max_iterations", e.cfg.MaxIterations),
				zap.Int("search_calls", out.SearchCalls),
			)
			return out, nil

		default:
			return nil, eris.Errorf("research: unknown loop state %d", state)
		}
	}
}

func (e *Engine) callModel(ctx context.Context, conv *Conversation) (*anthropic.MessageResponse, error) {
	if e.reasoner == nil {
		return nil, missingCredentials(CapabilityReasoning)
	}
	msgs, err := conv.Messages()
	if err != nil {
		return nil, err
	}

	temp := e.cfg.Temperature
	resp, err := e.reasoner.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		System:      []anthropic.SystemBlock{{Text: agentSystemPrompt, CacheControl: &anthropic.CacheControl{}}},
		Messages:    msgs,
		Tools:       []anthropic.Tool{SearchToolSpec},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(asTransportError(CapabilityReasoning, err), "research: reasoning call")
	}
	resp.Usage.LogUsage(e.cfg.Model, "agent")
	return resp, nil
}

// runSearch executes one invocation and serializes its output as the tool
// result. Malformed arguments are answered with an error result instead of
// failing the attempt.
func (e *Engine) runSearch(ctx context.Context, b anthropic.ContentBlock) (ToolResult, error) {
	args, ok := decodeSearchArgs(b.Input)
	if !ok {
		body, _ := json.Marshal(SearchResult{Sources: []Source{}, Findings: "search query is required"})
		return ToolResult{ToolUseID: b.ID, Content: string(body), IsError: true}, nil
	}

	if e.search == nil {
		return ToolResult{}, missingCredentials(CapabilitySearch)
	}
	res, err := e.search.Search(ctx, args)
	if err != nil {
		return ToolResult{}, err
	}
	if res.Sources == nil {
		res.Sources = []Source{}
	}
	body, err := json.Marshal(res)
	if err != nil {
		return ToolResult{}, eris.Wrap(err, "research: marshal search result")
	}
	return ToolResult{ToolUseID: b.ID, Content: string(body)}, nil
}

// decodeSearchArgs reads the tool input. A non-object input is used verbatim
// as the query.
func decodeSearchArgs(input json.RawMessage) (SearchArgs, bool) {
	var raw map[string]any
	if err := json.Unmarshal(input, &raw); err != nil {
		var s string
		if json.Unmarshal(input, &s) != nil {
			s = string(input)
		}
		s = strings.TrimSpace(s)
		return SearchArgs{Query: s}, s != ""
	}
	query, _ := raw["query"].(string)
	focus, _ := raw["focus"].(string)
	query = strings.TrimSpace(query)
	return SearchArgs{Query: query, Focus: strings.TrimSpace(focus)}, query != ""
}

func searchInvocations(resp *anthropic.MessageResponse) []anthropic.ContentBlock {
	var out []anthropic.ContentBlock
	for _, b := range resp.ToolUses() {
		if b.Name == SearchToolName {
			out = append(out, b)
		}
	}
	return out
}

// SeedPrompt is the first user turn for a lead.
func SeedPrompt(lead model.Lead) string {
	ctx := struct {
		BusinessName   string   `json:"businessName,omitempty"`
		PersonName     string   `json:"personName"`
		Email          string   `json:"email,omitempty"`
		Industry       string   `json:"industry,omitempty"`
		MonthlyRevenue *float64 `json:"monthlyRevenue,omitempty"`
	}{
		BusinessName:   lead.BusinessName,
		PersonName:     lead.PersonName(),
		Email:          lead.Email,
		Industry:       lead.Industry,
		MonthlyRevenue: lead.MonthlyRevenue,
	}
	b, _ := json.Marshal(ctx)

	return "Research this lead thoroughly using the available web search tool. " +
		"When finished, output ONLY JSON with keys: { report: string, extracted: {industry?, estimatedRevenue?, employeeCount?, businessType?, website?, founded?, riskSignals?: string[]}, sources: string[] }." +
		"\nLead context: " + string(b)
}
