package chat

import "time"

// Conversation roles. The system role never appears in the session ledger;
// it exists only inside an assembled prompt.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in a conversation. Immutable once appended to a
// session: the ledger never rewrites content or cost in place.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	TokenCost int       `json:"token_cost"`
	Timestamp time.Time `json:"timestamp"`
}
