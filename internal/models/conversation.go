// Package models defines the data structures for conversation events.
package models

// Event types carried in the eventType field and the Kafka eventType header.
const (
	EventTypeMessage       = "conversation.message"
	EventTypeTurnCompleted = "conversation.turn.completed"
	EventTypeTurnDecision  = "conversation.turn.decision"
)

// ContextEntry is one prior turn included with a completed turn.
type ContextEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationMessage is an interim or final user/agent message.
type ConversationMessage struct {
	EventType      string `json:"eventType"`
	ConversationID string `json:"conversationId"`
	TenantID       string `json:"tenantId"`
	Timestamp      int64  `json:"timestamp"`
	UtteranceID    string `json:"utteranceId,omitempty"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	IsInterim      bool   `json:"isInterim"`
	Speaker        string `json:"speaker,omitempty"`
}

// TurnCompleted is emitted exactly once per dispatched utterance and is the
// input of the response generator.
type TurnCompleted struct {
	EventType      string         `json:"eventType"`
	ConversationID string         `json:"conversationId"`
	TenantID       string         `json:"tenantId"`
	Timestamp      int64          `json:"timestamp"`
	UtteranceID    string         `json:"utteranceId"`
	Text           string         `json:"text"`
	Speaker        string         `json:"speaker,omitempty"`
	Context        []ContextEntry `json:"context"`
	Reason         string         `json:"reason"`
	Probability    float64        `json:"probability"`
	EndedAt        int64          `json:"endedAt"`
	HoldMs         int64          `json:"holdMs"`
}

// TurnDecision is hold/dispatch telemetry used to tune thresholds and timers.
type TurnDecision struct {
	EventType      string  `json:"eventType"`
	ConversationID string  `json:"conversationId"`
	TenantID       string  `json:"tenantId"`
	Timestamp      int64   `json:"timestamp"`
	UtteranceID    string  `json:"utteranceId"`
	Kind           string  `json:"kind"`
	Reason         string  `json:"reason"`
	Probability    float64 `json:"probability"`
	Threshold      float64 `json:"threshold"`
	Attempt        int     `json:"attempt"`
	ElapsedMs      int64   `json:"elapsedMs"`
	Error          string  `json:"error,omitempty"`
}
