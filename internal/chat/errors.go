package chat

import "errors"

var (
	// ErrEmptyMessage is returned when the text to send is blank after
	// trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrClosed is returned by operations on a closed reconciler.
	ErrClosed = errors.New("reconciler closed")
	// ErrUnknownMessage is returned when a temp id does not name a local
	// message.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotFailed is returned when retrying or discarding a message that is
	// not in the failed state.
	ErrNotFailed = errors.New("message has not failed")
	// ErrNoConversation is returned when an operation needs a conversation and
	// none is known yet.
	ErrNoConversation = errors.New("no conversation")
	// ErrIdentityUnavailable is returned when the customer id could not be
	// resolved.
	ErrIdentityUnavailable = errors.New("customer identity unavailable")
	// ErrAlreadyOpen is returned when Open is called twice.
	ErrAlreadyOpen = errors.New("reconciler already open")
)
