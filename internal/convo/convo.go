// Package convo defines the conversation persistence facade (C12): the
// domain types and store contract the gateway core depends on for reading
// and writing sessions, messages, and annotations. Concrete backends live
// in internal/store/postgres and internal/store/sqlite3.
package convo

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single turn in a conversation. Content is stored as the
// caller provided it (plain text, or a JSON-encoded content-block list for
// multimodal messages); the facade does not interpret it.
type Message struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	UserID          string    `json:"userId"`
	Role            Role      `json:"role"`
	Content         string    `json:"content"`
	HasAttachments  bool      `json:"hasAttachments"`
	AttachmentCount int       `json:"attachmentCount"`
	TotalTokens     int       `json:"totalTokens"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Annotation records a web-search citation attached to an assistant message.
// Deduplicated by URL within a message.
type Annotation struct {
	Type       string `json:"type"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content,omitempty"`
	StartIndex int    `json:"startIndex"`
	EndIndex   int    `json:"endIndex"`
}

// Session is a conversation thread with rollup fields maintained by
// AppendMessages so listing/search never has to scan the message table.
type Session struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"userId"`
	Title               string    `json:"title"`
	MessageCount        int       `json:"messageCount"`
	TotalTokens         int       `json:"totalTokens"`
	LastMessagePreview  string    `json:"lastMessagePreview"`
	LastMessageTime     time.Time `json:"lastMessageTimestamp"`
	CreatedAt           time.Time `json:"createdAt"`
}

// SearchClass identifies which field a search match was found in.
type SearchClass string

const (
	SearchClassTitle   SearchClass = "title"
	SearchClassPreview SearchClass = "preview"
	SearchClassContent SearchClass = "content"
)

// SearchResult is one conversation matching a searchConversations pattern.
type SearchResult struct {
	Session Session     `json:"session"`
	Class   SearchClass `json:"class"`
}

// Store is the conversation persistence contract the gateway core depends
// on. Every method enforces userId filtering at the implementation layer —
// the core does not trust its own gating to be the sole ownership boundary.
type Store interface {
	// CreateSessionIfMissing creates a session row when one doesn't already
	// exist for the given id. Idempotent.
	CreateSessionIfMissing(ctx context.Context, sessionID, userID, title string) error

	// AppendMessages inserts messages idempotently on message.ID (a repeat
	// insert of the same id is a no-op, not an error) and updates the
	// owning session's rollup fields. linkAttachmentIDs, if non-empty, binds
	// those attachment rows to the last message in msgs that still has no
	// messageId set, capped at 3.
	AppendMessages(ctx context.Context, sessionID, userID string, msgs []Message, linkAttachmentIDs []string) error

	// PersistAnnotations stores the deduplicated-by-URL annotation set for
	// one assistant message.
	PersistAnnotations(ctx context.Context, userID, sessionID, messageID string, annotations []Annotation) error

	// ReadMessages returns every message in a session, oldest first.
	// Returns an empty slice (not an error) if sessionID belongs to another
	// user or does not exist.
	ReadMessages(ctx context.Context, sessionID, userID string) ([]Message, error)

	// SearchConversations returns sessions matching pattern in title,
	// preview, or message content, ordered by LastMessageTime desc, capped
	// at limit. Implementations without a native full-text search fall back
	// to a substring scan bounded by limit.
	SearchConversations(ctx context.Context, userID, pattern string, limit int) ([]SearchResult, error)

	Close()
}
