package research

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-research/pkg/anthropic"
)

// Role is the speaker of a plain text turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a research conversation. The set of implementations
// is closed: TextTurn, ToolInvocation and ToolResult.
type Turn interface {
	isTurn()
}

// TextTurn is plain text from the user or the model.
type TextTurn struct {
	Role Role
	Text string
}

// ToolInvocation is a model request to run a tool.
type ToolInvocation struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult answers the ToolInvocation with the same ID.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (TextTurn) isTurn()       {}
func (ToolInvocation) isTurn() {}
func (ToolResult) isTurn()     {}

// Conversation is the ordered turn history of one research attempt. Every
// ToolInvocation must be answered by its ToolResult before anything else is
// appended.
type Conversation struct {
	turns   []Turn
	pending string
}

// NewConversation starts a conversation with a single user turn.
func NewConversation(seed string) *Conversation {
	return &Conversation{turns: []Turn{TextTurn{Role: RoleUser, Text: seed}}}
}

// Len returns the number of turns.
func (c *Conversation) Len() int { return len(c.turns) }

// Turns returns a copy of the history.
func (c *Conversation) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// AwaitingResult reports whether the last invocation is still unanswered.
func (c *Conversation) AwaitingResult() bool { return c.pending != "" }

// AppendText adds a plain text turn.
func (c *Conversation) AppendText(role Role, text string) error {
	if c.pending != "" {
		return eris.Errorf("research: tool invocation %s has no result", c.pending)
	}
	c.turns = append(c.turns, TextTurn{Role: role, Text: text})
	return nil
}

// AppendInvocation adds a tool invocation turn.
func (c *Conversation) AppendInvocation(inv ToolInvocation) error {
	if inv.ID == "" {
		return eris.New("research: tool invocation without id")
	}
	if c.pending != "" {
		return eris.Errorf("research: tool invocation %s has no result", c.pending)
	}
	c.turns = append(c.turns, inv)
	c.pending = inv.ID
	return nil
}

// AppendResult answers the pending invocation.
func (c *Conversation) AppendResult(res ToolResult) error {
	if c.pending == "" {
		return eris.Errorf("research: tool result %s without invocation", res.ToolUseID)
	}
	if res.ToolUseID != c.pending {
		return eris.Errorf("research: tool result %s does not match invocation %s", res.ToolUseID, c.pending)
	}
	c.turns = append(c.turns, res)
	c.pending = ""
	return nil
}

// Messages renders the history as Messages API turns. Each invocation is its
// own assistant message and each result its own user message.
func (c *Conversation) Messages() ([]anthropic.Message, error) {
	if c.pending != "" {
		return nil, eris.Errorf("research: tool invocation %s has no result", c.pending)
	}
	msgs := make([]anthropic.Message, 0, len(c.turns))
	for _, t := range c.turns {
		switch t := t.(type) {
		case TextTurn:
			msgs = append(msgs, anthropic.Message{Role: string(t.Role), Content: t.Text})
		case ToolInvocation:
			input := t.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			msgs = append(msgs, anthropic.Message{
				Role: string(RoleAssistant),
				Blocks: []anthropic.ContentBlock{{
					Type:  anthropic.BlockTypeToolUse,
					ID:    t.ID,
					Name:  t.Name,
					Input: input,
				}},
			})
		case ToolResult:
			msgs = append(msgs, anthropic.Message{
				Role: string(RoleUser),
				Blocks: []anthropic.ContentBlock{{
					Type:      anthropic.BlockTypeToolResult,
					ToolUseID: t.ToolUseID,
					Text:      t.Content,
					IsError:   t.IsError,
				}},
			})
		default:
			return nil, eris.Errorf("research: unknown turn type %T", t)
		}
	}
	return msgs, nil
}
