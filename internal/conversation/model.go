package conversation

import (
	"time"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Conversation is one chat thread. A temporary conversation is a client-only
// placeholder created before the server assigns a durable id; promotion
// rewrites the id in place so UI identity is preserved.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	IsTemporary  bool      `json:"is_temporary"`
}

// Attachment is a non-text artifact referenced by a message
type Attachment struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	MIME string `json:"mime,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Message is one turn in a conversation. Messages are immutable once
// created.
type Message struct {
	ID             string       `json:"id"`
	Role           Role         `json:"role"`
	Text           string       `json:"text"`
	CreatedAt      time.Time    `json:"created_at"`
	ConversationID string       `json:"conversation_id"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}
