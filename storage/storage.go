// Package storage provides an interface for persisting small records
// (circuit-breaker state, wallet sessions, statistics) behind a swappable
// key-value backend.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Storage is a namespaced key-value store. Backends must be safe for
// concurrent use.
type Storage interface {
	// Get returns the record under key, or a nil Item when it is absent or
	// expired. An error means the backend itself failed.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set writes data under key, replacing any previous record.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes the record named by WithKey, or the whole namespace
	// when no key is given.
	Delete(ctx context.Context, opts ...Option) error

	Close() error
}

// Item is one stored record.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	// ExpiresAt is nil for records written without a TTL.
	ExpiresAt *time.Time
}

// IsExpired reports whether the record's TTL has passed.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures one storage call.
type Option func(*Options)

// Options is the folded form of a call's Option list.
type Options struct {
	// Namespace "" is the global namespace.
	Namespace string
	// Key selects a single record for Delete.
	Key *string
	TTL *time.Duration
}

// Apply folds opts into a fresh Options value.
func Apply(opts ...Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	return options
}

// WithNamespace scopes an operation to a namespace such as "circuit" or
// "session".
func WithNamespace(ns string) Option {
	return func(opts *Options) {
		opts.Namespace = ns
	}
}

// WithKey narrows Delete to a single record.
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL expires the written record after ttl.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// ErrInvalidKey is returned for empty keys.
var ErrInvalidKey = errors.New("storage: invalid key")

// ValidateKey rejects keys no backend can represent.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}
