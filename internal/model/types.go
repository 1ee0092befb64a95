package model

import (
	"encoding/json"
	"time"
)

// DefaultAccountKey identifies the implicit account in single-tenant deployments.
const DefaultAccountKey = "default"

// Account is one logical credential/session identity. Built from configuration
// at startup and immutable for the process lifetime; changing credentials
// requires restarting the account's session.
type Account struct {
	Key        string   // registry key, DefaultAccountKey when unset
	AppID      string   // platform application id
	AppSecret  string   // platform application secret, signs the register frame
	GatewayURL string   // WebSocket URL of the platform gateway
	Topics     []string // event topics to subscribe on registration
}

// ConversationType distinguishes one-to-one chats from group chats. Sender-level
// reply routing is only meaningful for direct conversations.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// InboundEvent is a normalized message event delivered by the gateway.
type InboundEvent struct {
	EventID          string           `json:"event_id"`
	ConversationID   string           `json:"conversation_id"`
	ConversationType ConversationType `json:"conversation_type"`
	SenderID         string           `json:"sender_id"`
	ReplyURL         string           `json:"reply_url"`
	ReplyExpiresAt   int64            `json:"reply_expires_at"` // unix seconds
	Content          json.RawMessage  `json:"content"`
	Timestamp        int64            `json:"ts"`

	ReceivedAt time.Time `json:"-"` // local timestamp when the frame was read
}

// ReplyDeadline returns the expiry of the event's ephemeral reply endpoint.
func (e InboundEvent) ReplyDeadline() time.Time {
	return time.Unix(e.ReplyExpiresAt, 0)
}

// Health is the externally probeable state of one account's connection.
type Health struct {
	Connected  bool `json:"connected"`
	Registered bool `json:"registered"`
}
