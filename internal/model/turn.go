package model

import "time"

// Usage tracks token consumption reported by the completion service.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens" bson:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens" bson:"completion_tokens"`
	TotalTokens      int `json:"total_tokens" bson:"total_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.TotalTokens += u2.TotalTokens
}

// TurnResult is what a caller gets back after submitting one user turn.
type TurnResult struct {
	FinalMessage string   `json:"final_message"`
	ToolsUsed    []string `json:"tools_used"`
	RoundTrips   int      `json:"round_trips"`
	// Truncated is set when the round-trip cap forced a fallback answer.
	Truncated bool  `json:"truncated,omitempty"`
	Usage     Usage `json:"usage"`
}

// TurnRecord is the archived form of a finished turn.
type TurnRecord struct {
	ID           string    `json:"id" bson:"_id"`
	SessionID    string    `json:"session_id" bson:"session_id"`
	UserText     string    `json:"user_text" bson:"user_text"`
	FinalMessage string    `json:"final_message" bson:"final_message"`
	ToolsUsed    []string  `json:"tools_used" bson:"tools_used"`
	Messages     []Message `json:"messages" bson:"messages"`
	RoundTrips   int       `json:"round_trips" bson:"round_trips"`
	Truncated    bool      `json:"truncated,omitempty" bson:"truncated,omitempty"`
	Usage        Usage     `json:"usage" bson:"usage"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
}
