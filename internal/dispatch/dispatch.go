// Package dispatch maps inbound message types to handlers. Replies are
// matched purely by type, not by a request/response correlation table; a
// handler returns zero or one reply messages for the originating peer.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/resetready/migrationd/internal/logging"
	"github.com/resetready/migrationd/internal/protocol"
)

// Handler processes one decoded payload. It may read and mutate service
// state. Handlers must be idempotent under duplicate delivery: the channel
// gives at-least-once local delivery, not exactly-once.
type Handler func(ctx context.Context, connID string, payload any) (*protocol.Message, error)

// Registry maps message types to handlers. Handlers are registered at
// construction time and the registry is read-only afterwards.
type Registry struct {
	handlers map[protocol.MessageType]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[protocol.MessageType]Handler)}
}

// Register binds a handler to a message type, replacing any previous binding.
func (r *Registry) Register(msgType protocol.MessageType, handler Handler) {
	r.handlers[msgType] = handler
}

// Dispatch resolves and runs the handler for a message. Unknown types are
// logged and dropped without a reply. Handler and decode failures are
// converted into a negative Acknowledgment so the transport loop never sees
// them; internal error detail stays out of the reply.
func (r *Registry) Dispatch(ctx context.Context, connID string, msg *protocol.Message) *protocol.Message {
	handler, ok := r.handlers[msg.Type]
	if !ok {
		logging.Warn("No handler for message type %q: conn=%s id=%s", msg.Type, connID, msg.ID)
		return nil
	}

	payload, err := protocol.DecodePayload(msg)
	if err != nil {
		var unknown *protocol.ErrUnknownType
		if errors.As(err, &unknown) {
			logging.Warn("Dropping message of unknown type %q: conn=%s", unknown.Type, connID)
			return nil
		}
		logging.Warn("Bad %s payload: conn=%s err=%v", msg.Type, connID, err)
		return protocol.Ack(msg, false, fmt.Sprintf("malformed %s payload", msg.Type))
	}

	reply, err := handler(ctx, connID, payload)
	if err != nil {
		logging.Error("Handler for %s failed: conn=%s err=%v", msg.Type, connID, err)
		return protocol.Ack(msg, false, fmt.Sprintf("%s rejected", msg.Type))
	}
	return reply
}
