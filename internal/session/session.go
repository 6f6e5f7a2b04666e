// Package session holds the short-lived, conversation-scoped message cache.
// Messages expire by TTL; there is no semantic processing here and no
// cross-tier reference from durable facts.
package session

import (
	"context"

	"github.com/keepsake-ai/keepsake/internal/types"
)

// Store is the session cache. conversation_id is the sole partition key.
type Store interface {
	// Append adds a message to its conversation.
	Append(ctx context.Context, msg types.SessionMessage) error

	// Recent returns up to limit messages for the conversation, oldest
	// first (newest last). Expired messages are never returned.
	Recent(ctx context.Context, conversationID string, limit int) ([]types.SessionMessage, error)

	// Close releases backend resources.
	Close() error
}
