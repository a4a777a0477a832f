// Package events provides the broadcast bus used to coordinate logout
// across processes. Coordination is advisory: there is no cross-process
// lock, only an eventually consistent "logout initiated" message that
// sibling processes react to with local-only cleanup.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flex-pms/securecache/pkg/models"
)

// Message types
const (
	TypeLogoutInitiated = "LOGOUT_INITIATED"
	TypeTenantSwitched  = "TENANT_SWITCHED"
)

// Message is a broadcast coordination message.
type Message struct {
	Type      string              `json:"type"`
	Context   models.CacheContext `json:"context"`
	Timestamp int64               `json:"timestamp"`
	// Origin identifies the publishing process so subscribers can skip
	// their own messages and never re-broadcast, breaking the cycle.
	Origin string `json:"origin"`
}

// NewMessage builds a message stamped with the current time.
func NewMessage(msgType string, c models.CacheContext, origin string) Message {
	return Message{
		Type:      msgType,
		Context:   c,
		Timestamp: time.Now().UnixMilli(),
		Origin:    origin,
	}
}

// Handler receives broadcast messages. Handlers run on the bus's
// dispatch goroutine and must not block.
type Handler func(Message)

// Bus is the pub/sub collaborator the core logic depends on. The core
// only needs publish and subscribe; the transport behind it is an
// implementation detail.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers a handler and returns an unsubscribe func.
	Subscribe(handler Handler) func()
	Close() error
}

// NewOrigin generates a process-unique origin identifier.
func NewOrigin() string {
	return uuid.NewString()
}
