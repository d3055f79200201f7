package model

import (
	"errors"
	"fmt"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

var ErrInvalidMessage = errors.New("invalid message")

// ToolRequest is a model-issued instruction to invoke a named tool.
type ToolRequest struct {
	ID        string         `json:"id" bson:"id"`
	Name      string         `json:"name" bson:"name"`
	Arguments map[string]any `json:"arguments,omitempty" bson:"arguments,omitempty"`
	// Signature is an opaque provider token echoed back with the request on
	// the next completion call.
	Signature []byte `json:"signature,omitempty" bson:"signature,omitempty"`
}

// Message is a single conversation turn. Which fields are populated depends
// on Role; use the New*Message constructors rather than building it by hand.
type Message struct {
	Role         Role          `json:"role" bson:"role"`
	Content      string        `json:"content,omitempty" bson:"content,omitempty"`
	ToolRequests []ToolRequest `json:"tool_requests,omitempty" bson:"tool_requests,omitempty"`
	ToolCallID   string        `json:"tool_call_id,omitempty" bson:"tool_call_id,omitempty"`
	ToolName     string        `json:"tool_name,omitempty" bson:"tool_name,omitempty"`
}

func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage builds an assistant turn. content may be empty when
// the turn only carries tool requests.
func NewAssistantMessage(content string, requests ...ToolRequest) Message {
	msg := Message{Role: RoleAssistant, Content: content}
	if len(requests) > 0 {
		msg.ToolRequests = append([]ToolRequest(nil), requests...)
	}
	return msg
}

// NewToolMessage builds the result message for the tool request identified by callID.
func NewToolMessage(callID, toolName, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, ToolName: toolName}
}

// HasToolRequests reports whether the message asks for tool execution.
func (m Message) HasToolRequests() bool {
	return m.Role == RoleAssistant && len(m.ToolRequests) > 0
}

// Validate checks the role-specific shape of the message.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser:
		if len(m.ToolRequests) > 0 || m.ToolCallID != "" || m.ToolName != "" {
			return fmt.Errorf("%w: %s message carries tool fields", ErrInvalidMessage, m.Role)
		}
	case RoleAssistant:
		if m.ToolCallID != "" || m.ToolName != "" {
			return fmt.Errorf("%w: assistant message carries tool result fields", ErrInvalidMessage)
		}
		seen := make(map[string]struct{}, len(m.ToolRequests))
		for _, req := range m.ToolRequests {
			if req.ID == "" {
				return fmt.Errorf("%w: tool request %q has no id", ErrInvalidMessage, req.Name)
			}
			if _, dup := seen[req.ID]; dup {
				return fmt.Errorf("%w: duplicate tool request id %q", ErrInvalidMessage, req.ID)
			}
			seen[req.ID] = struct{}{}
		}
	case RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("%w: tool message without tool_call_id", ErrInvalidMessage)
		}
		if len(m.ToolRequests) > 0 {
			return fmt.Errorf("%w: tool message carries tool requests", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	return nil
}
