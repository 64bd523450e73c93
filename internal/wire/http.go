package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SendMessageRequest is the HTTP POST /chat/send request body.
type SendMessageRequest struct {
	// CustomerID identifies the sending customer.
	CustomerID string `json:"customerId"`
	// Content is the trimmed message text.
	Content string `json:"content"`
	// Attachment is an optional attachment reference (URL or upload id).
	Attachment string `json:"attachment,omitempty"`
	// ConversationID targets an existing conversation. Empty asks the server
	// to find or create the customer's support conversation.
	ConversationID string `json:"conversationId,omitempty"`
	// ClientMessageID is the client-generated correlation id. Servers that
	// support it echo it back on the stored message.
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// SendMessageResponse is the HTTP POST /chat/send response body.
type SendMessageResponse struct {
	Data SendMessageResponseData `json:"data"`
}

// SendMessageResponseData carries the stored message and its conversation.
type SendMessageResponseData struct {
	// Message is the authoritative stored message.
	Message ChatMessage `json:"message"`
	// Conversation is the conversation reference (object or id string).
	Conversation json.RawMessage `json:"conversation"`
}

// ConversationID returns the conversation id from the response, preferring
// the explicit conversation reference over the message's own field.
func (r SendMessageResponse) ConversationID() string {
	if id := RefID(r.Data.Conversation); id != "" {
		return id
	}
	return r.Data.Message.ConversationID
}

// ConversationPage is one page of GET /chat/:conversationId.
type ConversationPage struct {
	// Messages are in server order (oldest first within the page).
	Messages []ChatMessage
	// Page is the 1-based page number.
	Page int
	// HasMore reports whether older pages exist.
	HasMore bool
}

type rawPagination struct {
	Page       int   `json:"page"`
	TotalPages int   `json:"totalPages"`
	HasMore    *bool `json:"hasMore"`
}

// DecodeConversationPage decodes a conversation page response. The backend
// returns either `{data: [...]}`, `{data: {messages: [...], pagination}}`
// or a bare array.
func DecodeConversationPage(body []byte, page, limit int) (ConversationPage, error) {
	body = bytes.TrimSpace(body)
	out := ConversationPage{Page: page}
	if len(body) == 0 {
		return out, fmt.Errorf("empty response body")
	}

	var msgs []ChatMessage
	var pagination *rawPagination

	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &msgs); err != nil {
			return out, fmt.Errorf("decode messages: %w", err)
		}
	case '{':
		var env struct {
			Data       json.RawMessage `json:"data"`
			Messages   []ChatMessage   `json:"messages"`
			Pagination *rawPagination  `json:"pagination"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return out, fmt.Errorf("decode envelope: %w", err)
		}
		msgs = env.Messages
		pagination = env.Pagination
		data := bytes.TrimSpace(env.Data)
		if len(data) > 0 && data[0] == '[' {
			if err := json.Unmarshal(data, &msgs); err != nil {
				return out, fmt.Errorf("decode messages: %w", err)
			}
		} else if len(data) > 0 && data[0] == '{' {
			var inner struct {
				Messages   []ChatMessage  `json:"messages"`
				Pagination *rawPagination `json:"pagination"`
			}
			if err := json.Unmarshal(data, &inner); err != nil {
				return out, fmt.Errorf("decode data: %w", err)
			}
			msgs = inner.Messages
			if inner.Pagination != nil {
				pagination = inner.Pagination
			}
		}
	default:
		return out, fmt.Errorf("unexpected response body")
	}

	out.Messages = msgs
	switch {
	case pagination != nil && pagination.HasMore != nil:
		out.HasMore = *pagination.HasMore
	case pagination != nil && pagination.TotalPages > 0:
		current := pagination.Page
		if current == 0 {
			current = page
		}
		out.HasMore = current < pagination.TotalPages
	default:
		out.HasMore = limit > 0 && len(msgs) >= limit
	}
	return out, nil
}

// ProfileResponse is the HTTP GET /auth/profile response body.
type ProfileResponse struct {
	Data struct {
		UnderscoreID string          `json:"_id"`
		ID           string          `json:"id"`
		CustomerID   string          `json:"customerId"`
		Customer     json.RawMessage `json:"customer"`
	} `json:"data"`
}

// UserID returns the profile's user id.
func (p ProfileResponse) UserID() string {
	return firstNonEmpty(p.Data.UnderscoreID, p.Data.ID)
}

// DirectCustomerID returns the customer id embedded in the profile, if any.
func (p ProfileResponse) DirectCustomerID() string {
	return firstNonEmpty(p.Data.CustomerID, RefID(p.Data.Customer))
}

// CustomerLookupResponse is the HTTP GET /customers/user/:userId response.
type CustomerLookupResponse struct {
	Data json.RawMessage `json:"data"`
}

// CustomerID returns the looked-up customer id.
func (r CustomerLookupResponse) CustomerID() string {
	return RefID(r.Data)
}

// ErrorResponse is the error body shape used by the backend.
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Text returns the most descriptive error string in the body.
func (e ErrorResponse) Text() string {
	return firstNonEmpty(e.Message, e.Error)
}
