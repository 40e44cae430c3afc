package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// ErrNamespaceNotFound is returned when writing to a namespace that was never opened.
var ErrNamespaceNotFound = errors.New("cache namespace not found")

// Entry is a stored response snapshot.
type Entry struct {
	Status         int
	Header         http.Header
	Data           []byte
	CompressedData []byte
	ContentType    string
	Size           int64
	CompressedSize int64
	LastModified   time.Time
	ETag           string
	StoredAt       time.Time
	IsCompressed   bool
}

// OK reports whether the snapshot is a successful (2xx) response.
func (e *Entry) OK() bool {
	return e != nil && e.Status >= 200 && e.Status < 300
}

// Clone returns a copy safe to hand to another owner.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Header = e.Header.Clone()
	c.Data = append([]byte(nil), e.Data...)
	if e.CompressedData != nil {
		c.CompressedData = append([]byte(nil), e.CompressedData...)
	}
	return &c
}

// Store is a set of named namespaces, each mapping request keys to entries.
// Every call is a single atomic operation; concurrent writes to one key are
// last-write-wins.
type Store interface {
	// Open creates the namespace if it does not exist yet.
	Open(ctx context.Context, namespace string) error

	// Match looks key up in namespace. A miss is (nil, false, nil).
	Match(ctx context.Context, namespace, key string) (*Entry, bool, error)

	// Put stores entry under key, replacing any previous entry.
	Put(ctx context.Context, namespace, key string, entry *Entry) error

	// Names lists the existing namespaces in lexical order.
	Names(ctx context.Context) ([]string, error)

	// Drop deletes a namespace with all its entries.
	Drop(ctx context.Context, namespace string) (bool, error)

	// Stats reports per-namespace usage.
	Stats(ctx context.Context) (Stats, error)
}

// Key returns the cache key identifying r.
func Key(r *http.Request) string {
	return KeyForURL(r.URL)
}

// KeyForURL returns the cache key for u: its path and query.
func KeyForURL(u *url.URL) string {
	if u == nil {
		return "/"
	}
	return u.RequestURI()
}

// Cache configuration
const (
	MinSizeForCompression = 1024 // Only compress bodies larger than 1KB
)
