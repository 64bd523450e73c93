// Package api is the REST client for the chat endpoints of the maintenance
// service backend.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bhandras/chatsync/internal/authtoken"
	"github.com/bhandras/chatsync/internal/wire"
	"github.com/bhandras/chatsync/pkg/logger"
	"resty.dev/v3"
)

const (
	// defaultHTTPTimeout is the per-request timeout.
	defaultHTTPTimeout = 15 * time.Second
	// defaultRetryCount bounds automatic retries of idempotent requests.
	defaultRetryCount = 2

	pathConversation   = "/chat/{conversationId}"
	pathSendMessage    = "/chat/send"
	pathProfile        = "/auth/profile"
	pathCustomerByUser = "/customers/user/{userId}"
)

// ErrNoCustomer is returned when the identity round trip completes without
// yielding a customer id.
var ErrNoCustomer = errors.New("no customer profile for this account")

// APIError is a non-2xx response from the backend.
type APIError struct {
	// Status is the HTTP status code.
	Status int
	// Message is the server-provided error text, if any.
	Message string
}

// Error implements error.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Client talks to the chat REST endpoints.
type Client struct {
	http *resty.Client

	mu    sync.RWMutex
	token string
}

// NewClient returns a client for baseURL authenticated with token.
func NewClient(baseURL string, token string) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(defaultHTTPTimeout).
		SetRetryCount(defaultRetryCount).
		SetHeader("Accept", "application/json")
	return &Client{http: rc, token: strings.TrimSpace(token)}
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}

func (c *Client) request(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx)
	if token := c.Token(); token != "" {
		req.SetAuthToken(token)
	}
	return req
}

// checkResponse turns transport errors and non-2xx responses into errors.
func checkResponse(op string, resp *resty.Response, err error) ([]byte, error) {
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	body := resp.Bytes()
	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		apiErr := &APIError{Status: resp.StatusCode()}
		var errBody wire.ErrorResponse
		if json.Unmarshal(body, &errBody) == nil {
			apiErr.Message = errBody.Text()
		}
		return nil, fmt.Errorf("%s: %w", op, apiErr)
	}
	return body, nil
}

// FetchConversation fetches one page of a conversation. Pages are 1-based.
func (c *Client) FetchConversation(ctx context.Context, conversationID string, page, limit int) (wire.ConversationPage, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return wire.ConversationPage{}, fmt.Errorf("fetch conversation: missing conversation id")
	}
	if page < 1 {
		page = 1
	}

	logger.Debugf("api: fetch conversation=%s page=%d limit=%d", conversationID, page, limit)
	resp, err := c.request(ctx).
		SetPathParam("conversationId", conversationID).
		SetQueryParam("page", strconv.Itoa(page)).
		SetQueryParam("limit", strconv.Itoa(limit)).
		Get(pathConversation)
	body, err := checkResponse("fetch conversation", resp, err)
	if err != nil {
		return wire.ConversationPage{}, err
	}
	return wire.DecodeConversationPage(body, page, limit)
}

// SendMessage posts a message and returns the stored message and its
// conversation.
func (c *Client) SendMessage(ctx context.Context, req wire.SendMessageRequest) (wire.SendMessageResponse, error) {
	if strings.TrimSpace(req.CustomerID) == "" {
		return wire.SendMessageResponse{}, fmt.Errorf("send message: missing customer id")
	}

	logger.Debugf("api: send message conversation=%q client_id=%s", req.ConversationID, req.ClientMessageID)
	resp, err := c.request(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(pathSendMessage)
	body, err := checkResponse("send message", resp, err)
	if err != nil {
		return wire.SendMessageResponse{}, err
	}

	var out wire.SendMessageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return wire.SendMessageResponse{}, fmt.Errorf("send message: decode response: %w", err)
	}
	if out.Data.Message.ID == "" {
		return wire.SendMessageResponse{}, fmt.Errorf("send message: response has no message id")
	}
	return out, nil
}

// ResolveCustomerID determines the customer id for the authenticated
// account: first from the token's claims, then from the profile, then by
// looking the customer up by user id.
func (c *Client) ResolveCustomerID(ctx context.Context) (string, error) {
	if id := authtoken.CustomerID(c.Token()); id != "" {
		return id, nil
	}

	resp, err := c.request(ctx).Get(pathProfile)
	body, err := checkResponse("fetch profile", resp, err)
	if err != nil {
		return "", err
	}
	var profile wire.ProfileResponse
	if err := json.Unmarshal(body, &profile); err != nil {
		return "", fmt.Errorf("fetch profile: decode response: %w", err)
	}
	if id := profile.DirectCustomerID(); id != "" {
		return id, nil
	}
	userID := profile.UserID()
	if userID == "" {
		return "", fmt.Errorf("fetch profile: %w", ErrNoCustomer)
	}

	resp, err = c.request(ctx).
		SetPathParam("userId", userID).
		Get(pathCustomerByUser)
	body, err = checkResponse("lookup customer", resp, err)
	if err != nil {
		return "", err
	}
	var lookup wire.CustomerLookupResponse
	if err := json.Unmarshal(body, &lookup); err != nil {
		return "", fmt.Errorf("lookup customer: decode response: %w", err)
	}
	id := lookup.CustomerID()
	if id == "" {
		return "", fmt.Errorf("lookup customer: %w", ErrNoCustomer)
	}
	return id, nil
}
