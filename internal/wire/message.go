// Package wire defines the JSON payloads exchanged with the chat REST API and
// the realtime gateway.
//
// The backend is not consistent about field names (`_id` vs `id`, `content`
// vs `message`, `senderRole` vs `role`), so decoding accepts every known
// alias and normalizes into one shape.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChatMessage is a chat message as delivered by REST or the realtime
// gateway.
type ChatMessage struct {
	// ID is the server-assigned message id.
	ID string
	// Content is the message text.
	Content string
	// CreatedAt is the server timestamp. Zero when absent.
	CreatedAt time.Time
	// Sender is the opaque sender reference (string id or populated object).
	Sender json.RawMessage
	// SenderID is the best-effort id extracted from Sender.
	SenderID string
	// SenderRole is the optional sender role (customer, staff, system...).
	SenderRole string
	// SystemMessageType is set for system-generated messages.
	SystemMessageType string
	// ConversationID is the owning conversation when the payload carries it.
	ConversationID string
	// ClientMessageID echoes the correlation id sent with the message.
	ClientMessageID string
}

// rawChatMessage mirrors every field alias the backend is known to emit.
type rawChatMessage struct {
	UnderscoreID      string          `json:"_id"`
	ID                string          `json:"id"`
	Content           *string         `json:"content"`
	Message           json.RawMessage `json:"message"`
	CreatedAt         json.RawMessage `json:"createdAt"`
	Sender            json.RawMessage `json:"sender"`
	SenderRole        string          `json:"senderRole"`
	Role              string          `json:"role"`
	SystemMessageType string          `json:"systemMessageType"`
	ConversationID    string          `json:"conversationId"`
	Conversation      json.RawMessage `json:"conversation"`
	ClientMessageID   string          `json:"clientMessageId"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var raw rawChatMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := ChatMessage{
		ID:                firstNonEmpty(raw.UnderscoreID, raw.ID),
		SenderRole:        firstNonEmpty(raw.SenderRole, raw.Role),
		SystemMessageType: raw.SystemMessageType,
		ClientMessageID:   raw.ClientMessageID,
	}

	if raw.Content != nil {
		out.Content = *raw.Content
	} else if s, ok := decodeString(raw.Message); ok {
		out.Content = s
	}

	ts, err := ParseTimestamp(raw.CreatedAt)
	if err != nil {
		return fmt.Errorf("createdAt: %w", err)
	}
	out.CreatedAt = ts

	if len(raw.Sender) > 0 && !bytes.Equal(raw.Sender, []byte("null")) {
		out.Sender = append(json.RawMessage(nil), raw.Sender...)
		out.SenderID = RefID(raw.Sender)
	}

	out.ConversationID = raw.ConversationID
	if out.ConversationID == "" {
		out.ConversationID = RefID(raw.Conversation)
	}

	*m = out
	return nil
}

// MarshalJSON implements json.Marshaler using the canonical field names.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	out := struct {
		ID                string          `json:"_id"`
		Content           string          `json:"content"`
		CreatedAt         *time.Time      `json:"createdAt,omitempty"`
		Sender            json.RawMessage `json:"sender,omitempty"`
		SenderRole        string          `json:"senderRole,omitempty"`
		SystemMessageType string          `json:"systemMessageType,omitempty"`
		ConversationID    string          `json:"conversationId,omitempty"`
		ClientMessageID   string          `json:"clientMessageId,omitempty"`
	}{
		ID:                m.ID,
		Content:           m.Content,
		Sender:            m.Sender,
		SenderRole:        m.SenderRole,
		SystemMessageType: m.SystemMessageType,
		ConversationID:    m.ConversationID,
		ClientMessageID:   m.ClientMessageID,
	}
	if !m.CreatedAt.IsZero() {
		ts := m.CreatedAt
		out.CreatedAt = &ts
	}
	return json.Marshal(out)
}

// DecodeEventPayload converts a realtime event payload into a ChatMessage.
//
// Gateways emit either the bare message or an envelope of the form
// `{message: {...}, conversationId}`; both are accepted. A string-valued
// `message` field is the content alias, not an envelope.
func DecodeEventPayload(payload map[string]any) (ChatMessage, error) {
	if payload == nil {
		return ChatMessage{}, fmt.Errorf("empty payload")
	}

	body := payload
	envelopeConversation := ""
	if inner, ok := payload["message"].(map[string]any); ok {
		body = inner
		envelopeConversation = RefIDFromAny(payload["conversationId"])
		if envelopeConversation == "" {
			envelopeConversation = RefIDFromAny(payload["conversation"])
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("marshal payload: %w", err)
	}
	var msg ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ChatMessage{}, fmt.Errorf("decode payload: %w", err)
	}
	if msg.ConversationID == "" {
		msg.ConversationID = envelopeConversation
	}
	if msg.ID == "" {
		return ChatMessage{}, fmt.Errorf("payload has no message id")
	}
	return msg, nil
}

// ParseTimestamp accepts RFC3339 strings, epoch-millisecond numbers, numeric
// strings, and null/absent values (zero time).
func ParseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, err
		}
		return t, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(f)).UTC(), nil
}

// RefID extracts an id from a reference that is either a JSON string or an
// object with `_id`/`id`.
func RefID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	if s, ok := decodeString(raw); ok {
		return s
	}
	var obj struct {
		UnderscoreID string `json:"_id"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	return firstNonEmpty(obj.UnderscoreID, obj.ID)
}

// RefIDFromAny is RefID for already-decoded values.
func RefIDFromAny(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := t["_id"].(string); ok && s != "" {
			return s
		}
		if s, ok := t["id"].(string); ok {
			return s
		}
	}
	return ""
}

func decodeString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
