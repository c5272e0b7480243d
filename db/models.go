package db

// Message roles accepted by the messages table.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation represents a chat conversation. Timestamps are Unix milliseconds.
type Conversation struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ConversationWithMessages is a conversation together with its messages in
// timestamp order.
type ConversationWithMessages struct {
	Conversation
	Messages []*Message `json:"messages"`
}

// Message represents a single persisted message in a conversation
type Message struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	Provider       string `json:"provider,omitempty"` // "openai", "anthropic", etc.
	Model          string `json:"model,omitempty"`
}

// NewMessage is the input to SaveMessage.
type NewMessage struct {
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
}

// ValidRole reports whether role is one the store accepts.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}
