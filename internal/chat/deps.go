package chat

import (
	"context"

	"github.com/bhandras/chatsync/internal/websocket"
	"github.com/bhandras/chatsync/internal/wire"
)

// MessageAPI is the REST message store.
type MessageAPI interface {
	FetchConversation(ctx context.Context, conversationID string, page, limit int) (wire.ConversationPage, error)
	SendMessage(ctx context.Context, req wire.SendMessageRequest) (wire.SendMessageResponse, error)
	ResolveCustomerID(ctx context.Context) (string, error)
}

// Realtime is the realtime gateway connection. *websocket.Manager
// implements it.
type Realtime interface {
	Subscribe(event string, fn websocket.Handler) (unsubscribe func())
	OnConnect(fn func()) (unsubscribe func())
	OnDisconnect(fn func(reason string)) (unsubscribe func())
	Join(conversationID string) error
	Leave(conversationID string) error
	IsConnected() bool
}

// ConversationStore persists the active conversation id.
type ConversationStore interface {
	LoadConversationID(ctx context.Context) (string, error)
	SaveConversationID(ctx context.Context, id string) error
}

var _ Realtime = (*websocket.Manager)(nil)

// nopStore is used when no store is configured.
type nopStore struct{}

func (nopStore) LoadConversationID(context.Context) (string, error) { return "", nil }

func (nopStore) SaveConversationID(context.Context, string) error { return nil }
