// Package conversation implements the kernel's conversation memory:
// per-channel message history, auto-summarization thresholds, and topic
// merging into ordinary entities.
package conversation

import "time"

// Role is who authored a ChatMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Conversation is one interface channel's message history.
// Its ID is derived deterministically from (InterfaceType, ChannelID) so
// StartConversation is naturally idempotent: the same pair always resolves
// to the same row.
type Conversation struct {
	ID            string
	InterfaceType string
	ChannelID     string
	Started       time.Time
	LastActive    time.Time
	Metadata      map[string]any
}

// ChatMessage is one message within a Conversation.
type ChatMessage struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Timestamp      time.Time
	Metadata       map[string]any
}

// ConversationID derives the stable conversation id for an
// (interfaceType, channelId) pair as "interfaceType-channelId".
func ConversationID(interfaceType, channelID string) string {
	return interfaceType + "-" + channelID
}
