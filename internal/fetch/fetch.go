// Package fetch is the network primitive the worker strategies run against.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/muandane/special-stack/edgeworker/internal/cache"
)

// Fetcher performs a network request. A returned error means the network
// could not be reached; any HTTP status, including 5xx, is a response.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// hop-by-hop headers are not forwarded to the origin.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Origin fetches requests from the site origin.
type Origin struct {
	base   *url.URL
	client *http.Client
}

// NewOrigin returns a fetcher rewriting requests onto base. The timeout is
// the only deadline applied to origin fetches.
func NewOrigin(base string, timeout time.Duration) (*Origin, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse origin url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin url must be http or https: %s", base)
	}
	return &Origin{
		base:   u,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// URL returns the origin base URL.
func (o *Origin) URL() *url.URL {
	u := *o.base
	return &u
}

func (o *Origin) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out, err := http.NewRequestWithContext(ctx, req.Method, o.resolve(req.URL).String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	// Bodies are buffered into cache entries uncompressed.
	out.Header.Del("Accept-Encoding")
	out.ContentLength = req.ContentLength

	resp, err := o.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", out.URL.Redacted(), err)
	}
	return resp, nil
}

func (o *Origin) resolve(u *url.URL) *url.URL {
	target := *o.base
	target.Path = strings.TrimRight(o.base.Path, "/") + u.Path
	target.RawPath = ""
	target.RawQuery = u.RawQuery
	target.Fragment = ""
	return &target
}

// Snapshot reads resp into a cache entry and closes its body.
func Snapshot(resp *http.Response) (*cache.Entry, error) {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Del("Content-Length")

	entry := &cache.Entry{
		Status:      resp.StatusCode,
		Header:      header,
		Data:        data,
		ContentType: header.Get("Content-Type"),
		Size:        int64(len(data)),
		ETag:        header.Get("ETag"),
	}
	if lm := header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			entry.LastModified = t
		}
	}
	return entry, nil
}

// Shareable reports whether the response to req may go into the cache every
// client of the proxy reads from. Credentialed requests and responses the
// origin marked private or no-store stay out of it.
func Shareable(req *http.Request, entry *cache.Entry) bool {
	if req != nil && req.Header.Get("Authorization") != "" {
		return false
	}
	for _, v := range entry.Header.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "private", "no-store":
				return false
			}
		}
	}
	for _, v := range entry.Header.Values("Vary") {
		if strings.TrimSpace(v) == "*" {
			return false
		}
	}
	return true
}

// ForStorage returns the copy of entry written to the cache, without the
// cookies the origin set for the client that triggered the fetch.
func ForStorage(entry *cache.Entry) *cache.Entry {
	stored := entry.Clone()
	if stored.Header != nil {
		stored.Header.Del("Set-Cookie")
	}
	return stored
}
