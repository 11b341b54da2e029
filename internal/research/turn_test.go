package research

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-research/pkg/anthropic"
)

func TestConversation_Pairing(t *testing.T) {
	c := NewConversation("seed")
	assert.Equal(t, 1, c.Len())
	assert.False(t, c.AwaitingResult())

	require.NoError(t, c.AppendInvocation(ToolInvocation{ID: "a", Name: SearchToolName, Input: json.RawMessage(`{"query":"x"}`)}))
	assert.True(t, c.AwaitingResult())

	assert.Error(t, c.AppendInvocation(ToolInvocation{ID: "b"}), "second invocation before result")
	assert.Error(t, c.AppendText(RoleAssistant, "text"), "text before result")
	assert.Error(t, c.AppendResult(ToolResult{ToolUseID: "b"}), "mismatched id")

	_, err := c.Messages()
	assert.Error(t, err)

	require.NoError(t, c.AppendResult(ToolResult{ToolUseID: "a", Content: "{}"}))
	assert.False(t, c.AwaitingResult())
	assert.Equal(t, 3, c.Len())

	assert.Error(t, c.AppendResult(ToolResult{ToolUseID: "a"}), "result without invocation")
	assert.Error(t, c.AppendInvocation(ToolInvocation{}), "invocation without id")

	require.NoError(t, c.AppendText(RoleAssistant, "done"))
	assert.Equal(t, 4, c.Len())
}

func TestConversation_Messages(t *testing.T) {
	c := NewConversation("seed")
	require.NoError(t, c.AppendInvocation(ToolInvocation{ID: "a", Name: SearchToolName}))
	require.NoError(t, c.AppendResult(ToolResult{ToolUseID: "a", Content: `{"findings":"x"}`, IsError: true}))
	require.NoError(t, c.AppendText(RoleAssistant, "final"))

	msgs, err := c.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	assert.Equal(t, anthropic.Message{Role: "user", Content: "seed"}, msgs[0])

	assert.Equal(t, "assistant", msgs[1].Role)
	require.Len(t, msgs[1].Blocks, 1)
	assert.Equal(t, anthropic.BlockTypeToolUse, msgs[1].Blocks[0].Type)
	assert.JSONEq(t, `{}`, string(msgs[1].Blocks[0].Input))

	assert.Equal(t, "user", msgs[2].Role)
	assert.Equal(t, anthropic.ContentBlock{
		Type:      anthropic.BlockTypeToolResult,
		ToolUseID: "a",
		Text:      `{"findings":"x"}`,
		IsError:   true,
	}, msgs[2].Blocks[0])

	assert.Equal(t, anthropic.Message{Role: "assistant", Content: "final"}, msgs[3])
}

func TestConversation_TurnsIsCopy(t *testing.T) {
	c := NewConversation("seed")
	turns := c.Turns()
	turns[0] = TextTurn{Role: RoleUser, Text: "changed"}

	assert.Equal(t, TextTurn{Role: RoleUser, Text: "seed"}, c.Turns()[0])
}
