package agent

import (
	"fmt"

	"github.com/m2tx/weather_agent/internal/model"
)

// conversation is the append-only history of one session. Only the loop
// that holds the session lock writes to it.
type conversation struct {
	messages []model.Message
	// pending holds the ids of tool requests still waiting for a result.
	pending   map[string]struct{}
	toolsUsed map[string]struct{}
	// requestIDs holds every tool request id ever appended.
	requestIDs map[string]struct{}
	// turnStart indexes the user message that opened the current turn.
	turnStart int
}

func newConversation(systemInstruction string) *conversation {
	c := &conversation{
		pending:    make(map[string]struct{}),
		toolsUsed:  make(map[string]struct{}),
		requestIDs: make(map[string]struct{}),
	}
	if systemInstruction != "" {
		c.messages = append(c.messages, model.NewSystemMessage(systemInstruction))
	}
	return c
}

// beginTurn appends the user message and resets the per-turn tool set.
func (c *conversation) beginTurn(text string) error {
	if len(c.pending) > 0 {
		return fmt.Errorf("%w: %d tool requests without result", model.ErrInvalidMessage, len(c.pending))
	}
	c.toolsUsed = make(map[string]struct{})
	c.turnStart = len(c.messages)
	c.messages = append(c.messages, model.NewUserMessage(text))
	return nil
}

func (c *conversation) appendAssistant(msg model.Message) error {
	if msg.Role != model.RoleAssistant {
		return fmt.Errorf("%w: expected assistant message, got %s", model.ErrInvalidMessage, msg.Role)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if len(c.pending) > 0 {
		return fmt.Errorf("%w: assistant message while tool results are pending", model.ErrInvalidMessage)
	}
	for _, req := range msg.ToolRequests {
		if _, used := c.requestIDs[req.ID]; used {
			return fmt.Errorf("%w: tool request id %q already used in this conversation", model.ErrInvalidMessage, req.ID)
		}
	}
	for _, req := range msg.ToolRequests {
		c.pending[req.ID] = struct{}{}
		c.requestIDs[req.ID] = struct{}{}
	}
	c.messages = append(c.messages, msg)
	return nil
}

// appendToolResults appends one result per pending request. results must
// already be in request order.
func (c *conversation) appendToolResults(results []model.Message) error {
	if len(results) != len(c.pending) {
		return fmt.Errorf("%w: %d results for %d pending requests", model.ErrInvalidMessage, len(results), len(c.pending))
	}
	seen := make(map[string]struct{}, len(results))
	for _, msg := range results {
		if err := msg.Validate(); err != nil {
			return err
		}
		if msg.Role != model.RoleTool {
			return fmt.Errorf("%w: expected tool message, got %s", model.ErrInvalidMessage, msg.Role)
		}
		if _, ok := c.pending[msg.ToolCallID]; !ok {
			return fmt.Errorf("%w: no pending request with id %q", model.ErrInvalidMessage, msg.ToolCallID)
		}
		if _, dup := seen[msg.ToolCallID]; dup {
			return fmt.Errorf("%w: duplicate result for %q", model.ErrInvalidMessage, msg.ToolCallID)
		}
		seen[msg.ToolCallID] = struct{}{}
	}

	c.messages = append(c.messages, results...)
	for _, msg := range results {
		delete(c.pending, msg.ToolCallID)
		c.toolsUsed[msg.ToolName] = struct{}{}
	}
	return nil
}

// assignRequestIDs re-keys tool requests whose id is empty, repeated within
// msg or already used earlier in the conversation.
func (c *conversation) assignRequestIDs(msg model.Message, newID func() string) model.Message {
	if len(msg.ToolRequests) == 0 {
		return msg
	}

	seen := make(map[string]struct{}, len(msg.ToolRequests))
	requests := make([]model.ToolRequest, len(msg.ToolRequests))
	for i, req := range msg.ToolRequests {
		_, dup := seen[req.ID]
		_, used := c.requestIDs[req.ID]
		if req.ID == "" || dup || used {
			req.ID = newID()
		}
		seen[req.ID] = struct{}{}
		requests[i] = req
	}
	msg.ToolRequests = requests
	return msg
}

func (c *conversation) history() []model.Message {
	return append([]model.Message(nil), c.messages...)
}

// turnMessages returns the messages appended since the current turn began.
func (c *conversation) turnMessages() []model.Message {
	return append([]model.Message(nil), c.messages[c.turnStart:]...)
}
