// Package storage persists small pieces of client state in a local Pebble
// database under the chatsync home directory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bhandras/chatsync/pkg/logger"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const (
	// conversationIDKey is the persisted key for the customer's support
	// conversation.
	conversationIDKey = "chatConversationId"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("storage closed")

// Store is a Pebble-backed key-value store.
type Store struct {
	mu sync.RWMutex
	db *pebble.DB
}

// Open opens (or creates) the store at dir.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("missing state directory")
	}
	return open(dir, &pebble.Options{})
}

// OpenInMemory opens a store backed by an in-memory filesystem. Nothing is
// written to disk.
func OpenInMemory() (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}
	logger.Debugf("storage: opened state db dir=%q", dir)
	return &Store{db: db}, nil
}

// Close closes the underlying database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Get returns the value for key. ok is false when the key is absent.
func (s *Store) Get(key string) (value string, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return "", false, ErrClosed
	}
	data, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	value = string(data)
	if err := closer.Close(); err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set writes key synchronously.
func (s *Store) Set(key, value string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	if err := s.db.Set([]byte(key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// LoadConversationID returns the persisted conversation id, or "" when none
// has been stored yet.
func (s *Store) LoadConversationID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	value, _, err := s.Get(conversationIDKey)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

// SaveConversationID persists the conversation id.
func (s *Store) SaveConversationID(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("missing conversation id")
	}
	return s.Set(conversationIDKey, id)
}

// ClearConversationID forgets the persisted conversation id.
func (s *Store) ClearConversationID() error {
	return s.Delete(conversationIDKey)
}
