package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

const (
	namespaceMarker = ".namespace"
	envelopeLenSize = 4
)

// S3Store keeps namespaces as key prefixes of a single bucket. Each entry is
// one object named after the hash of its cache key; a marker object keeps
// empty namespaces listable.
type S3Store struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// NewS3Store returns a store writing to bucket, which must exist.
func NewS3Store(client *minio.Client, bucket string) (*S3Store, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client cannot be nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket cannot be empty")
	}
	return &S3Store{client: client, bucket: bucket, now: time.Now}, nil
}

func (s *S3Store) Open(ctx context.Context, namespace string) error {
	_, err := s.client.PutObject(ctx, s.bucket, markerObject(namespace),
		bytes.NewReader(nil), 0, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("open namespace %s: %w", namespace, err)
	}
	return nil
}

func (s *S3Store) Match(ctx context.Context, namespace, key string) (*Entry, bool, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, entryObject(namespace, key), minio.GetObjectOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("get entry: %w", err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("stat entry: %w", err)
	}

	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, false, fmt.Errorf("read entry: %w", err)
	}

	entry, storedKey, err := decodeEntry(info.ContentType, raw)
	if err != nil {
		return nil, false, err
	}
	// Stale hash collisions are treated as misses.
	if storedKey != key {
		return nil, false, nil
	}
	return prepare(entry), true, nil
}

func (s *S3Store) Put(ctx context.Context, namespace, key string, entry *Entry) error {
	if _, err := s.client.StatObject(ctx, s.bucket, markerObject(namespace), minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return ErrNamespaceNotFound
		}
		return fmt.Errorf("stat namespace %s: %w", namespace, err)
	}

	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = s.now()
	}
	body, err := encodeEntry(key, entry, storedAt)
	if err != nil {
		return err
	}

	contentType := entry.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, s.bucket, entryObject(namespace, key),
		bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("store entry: %w", err)
	}
	return nil
}

func (s *S3Store) Names(ctx context.Context) ([]string, error) {
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: false}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list namespaces: %w", obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			names = append(names, strings.TrimSuffix(obj.Key, "/"))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *S3Store) Drop(ctx context.Context, namespace string) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    namespace + "/",
		Recursive: true,
	})

	found := false
	toRemove := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)
	go func() {
		defer close(toRemove)
		for obj := range objects {
			if obj.Err != nil {
				listErr <- obj.Err
				return
			}
			found = true
			select {
			case toRemove <- obj:
			case <-ctx.Done():
				listErr <- ctx.Err()
				return
			}
		}
		listErr <- nil
	}()

	for rerr := range s.client.RemoveObjects(ctx, s.bucket, toRemove, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return false, fmt.Errorf("drop namespace %s: remove %s: %w", namespace, rerr.ObjectName, rerr.Err)
		}
	}
	if err := <-listErr; err != nil {
		return false, fmt.Errorf("drop namespace %s: %w", namespace, err)
	}
	return found, nil
}

func (s *S3Store) Stats(ctx context.Context) (Stats, error) {
	var b statsBuilder
	index := make(map[string]int)

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return Stats{}, fmt.Errorf("list entries: %w", obj.Err)
		}
		namespace, name, ok := strings.Cut(obj.Key, "/")
		if !ok {
			continue
		}
		i, seen := index[namespace]
		if !seen {
			i = len(b.stats.Namespaces)
			index[namespace] = i
			b.stats.Namespaces = append(b.stats.Namespaces, NamespaceStats{Name: namespace})
		}
		if name == namespaceMarker {
			continue
		}
		b.add(&b.stats.Namespaces[i], &Entry{Size: obj.Size})
	}

	sort.Slice(b.stats.Namespaces, func(i, j int) bool {
		return b.stats.Namespaces[i].Name < b.stats.Namespaces[j].Name
	})
	return b.result(), nil
}

// envelope is the JSON record written ahead of the response body in every
// entry object. S3 caps user metadata at 2 KB, so only the content type is
// kept there.
type envelope struct {
	Key          string      `json:"key"`
	Status       int         `json:"status"`
	Header       http.Header `json:"header,omitempty"`
	ETag         string      `json:"etag,omitempty"`
	LastModified time.Time   `json:"last_modified"`
	StoredAt     time.Time   `json:"stored_at"`
}

// encodeEntry lays an entry object out as a big-endian uint32 envelope
// length, the envelope, then the body.
func encodeEntry(key string, entry *Entry, storedAt time.Time) ([]byte, error) {
	head, err := json.Marshal(envelope{
		Key:          key,
		Status:       entry.Status,
		Header:       entry.Header,
		ETag:         entry.ETag,
		LastModified: entry.LastModified.UTC(),
		StoredAt:     storedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode entry envelope: %w", err)
	}

	buf := make([]byte, envelopeLenSize, envelopeLenSize+len(head)+len(entry.Data))
	binary.BigEndian.PutUint32(buf, uint32(len(head)))
	buf = append(buf, head...)
	buf = append(buf, entry.Data...)
	return buf, nil
}

// decodeEntry reverses encodeEntry and returns the entry with the cache key
// it was stored under.
func decodeEntry(contentType string, raw []byte) (*Entry, string, error) {
	if len(raw) < envelopeLenSize {
		return nil, "", fmt.Errorf("decode entry: object too short")
	}
	n := int(binary.BigEndian.Uint32(raw))
	if n > len(raw)-envelopeLenSize {
		return nil, "", fmt.Errorf("decode entry: envelope length %d exceeds object", n)
	}

	var env envelope
	if err := json.Unmarshal(raw[envelopeLenSize:envelopeLenSize+n], &env); err != nil {
		return nil, "", fmt.Errorf("decode entry envelope: %w", err)
	}
	if env.Header == nil {
		env.Header = http.Header{}
	}

	entry := &Entry{
		Status:       env.Status,
		Header:       env.Header,
		Data:         raw[envelopeLenSize+n:],
		ContentType:  contentType,
		ETag:         env.ETag,
		LastModified: env.LastModified,
		StoredAt:     env.StoredAt,
	}
	return entry, env.Key, nil
}

func entryObject(namespace, key string) string {
	sum := sha256.Sum256([]byte(key))
	return namespace + "/" + hex.EncodeToString(sum[:])
}

func markerObject(namespace string) string {
	return namespace + "/" + namespaceMarker
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

var _ Store = (*S3Store)(nil)
