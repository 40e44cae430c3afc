// Package strategy decides how an intercepted request is served and
// implements the cache-first and network-first strategies.
package strategy

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/muandane/special-stack/edgeworker/internal/config"
)

// Kind classifies an intercepted request.
type Kind string

const (
	KindAPI      Kind = "api"
	KindImage    Kind = "image"
	KindStatic   Kind = "static-asset"
	KindDocument Kind = "document"
	KindOther    Kind = "other"
)

// Name identifies a caching strategy.
type Name string

const (
	CacheFirst   Name = "cache-first"
	NetworkFirst Name = "network-first"
)

// Destination values of the Sec-Fetch-Dest request header.
const (
	DestinationDocument = "document"
	DestinationImage    = "image"
)

// Request is the part of an intercepted request classification looks at.
type Request struct {
	Method      string
	URL         *url.URL
	Destination string
}

// FromHTTP extracts the classification inputs of r.
func FromHTTP(r *http.Request) Request {
	dest := strings.ToLower(r.Header.Get("Sec-Fetch-Dest"))
	if dest == "" && strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		dest = DestinationDocument
	}
	u := *r.URL
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	return Request{Method: r.Method, URL: &u, Destination: dest}
}

// Decision is the strategy and namespace chosen for one request. Shell, when
// set, names the namespace pre-warmed at install; it is read after a miss in
// Namespace and never written.
type Decision struct {
	Kind      Kind
	Strategy  Name
	Namespace string
	Shell     string
}

// Classify picks the strategy for req. It reports false for requests that
// must not be intercepted: anything but GET, and non-HTTP(S) URLs.
func Classify(req Request, rules config.Rules, ns config.Namespaces) (Decision, bool) {
	if req.Method != http.MethodGet || req.URL == nil {
		return Decision{}, false
	}
	if s := req.URL.Scheme; s != "" && s != "http" && s != "https" {
		return Decision{}, false
	}

	p := req.URL.Path
	ext := strings.ToLower(path.Ext(p))

	switch {
	case containsAny(p, rules.APIPatterns):
		return Decision{Kind: KindAPI, Strategy: NetworkFirst, Namespace: ns.Dynamic}, true
	case req.Destination == DestinationImage || hasExt(ext, rules.ImageExtensions):
		return Decision{Kind: KindImage, Strategy: CacheFirst, Namespace: ns.Image, Shell: ns.Static}, true
	case hasExt(ext, rules.StaticExtensions):
		return Decision{Kind: KindStatic, Strategy: CacheFirst, Namespace: ns.Static}, true
	case req.Destination == DestinationDocument:
		return Decision{Kind: KindDocument, Strategy: NetworkFirst, Namespace: ns.Dynamic, Shell: ns.Static}, true
	default:
		return Decision{Kind: KindOther, Strategy: NetworkFirst, Namespace: ns.Dynamic, Shell: ns.Static}, true
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func hasExt(ext string, exts []string) bool {
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}
