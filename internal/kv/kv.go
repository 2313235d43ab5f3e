// Package kv is the quota-bounded key-value persistence behind markd.
//
// Each backend accounts usage as the sum of len(key)+len(value) over all
// entries and rejects a write that would push usage past the configured
// capacity with ErrQuotaExceeded.
package kv

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"markd/internal/logging"
)

// DefaultQuota is the capacity used when none is configured.
const DefaultQuota int64 = 5 * 1024 * 1024

// Prefix starts every key markd writes.
const Prefix = "markd::"

var (
	ErrQuotaExceeded = errors.New("kv: quota exceeded")
	ErrClosed        = errors.New("kv: store closed")
	ErrBadKey        = errors.New("kv: invalid key")
	ErrUnknownType   = errors.New("kv: unknown backend")
)

// Store is the persistence collaborator.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	// BytesInUse reports current usage and capacity. A capacity of zero
	// means unknown.
	BytesInUse(ctx context.Context) (used, capacity int64, err error)

	Close() error
}

// PageKey derives the storage key of a document from its URL. Query and
// fragment are dropped, so every variant of a page shares one key.
func PageKey(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%w: %q has no scheme", ErrBadKey, raw)
	}
	var b strings.Builder
	b.WriteString(Prefix)
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	b.WriteString(strings.ToLower(u.Host))
	if u.Opaque != "" {
		b.WriteString(u.Opaque)
	} else {
		b.WriteString(u.EscapedPath())
	}
	return b.String(), nil
}

func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

// Options selects and configures a backend.
type Options struct {
	// Type is "sqlite", "bolt" or "memory".
	Type string

	// Path is the database file for sqlite and bolt.
	Path string

	// Quota is the capacity in bytes; zero means DefaultQuota.
	Quota int64

	// BusyTimeout bounds lock waits for file backends.
	BusyTimeout time.Duration

	Log *logging.Logger
}

// Open builds the configured backend.
func Open(opts Options) (Store, error) {
	if opts.Quota <= 0 {
		opts.Quota = DefaultQuota
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	switch strings.ToLower(opts.Type) {
	case "", "sqlite":
		return OpenSQLite(opts)
	case "bolt":
		return OpenBolt(opts)
	case "memory":
		return NewMemory(opts.Quota), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, opts.Type)
}
