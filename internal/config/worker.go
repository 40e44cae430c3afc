package config

import "fmt"

// AnalyticsPath is the RPC path analytics events are replayed to.
const AnalyticsPath = "/rest/v1/rpc/track_analytics_event"

// Purpose identifies what a cache namespace holds.
type Purpose string

const (
	PurposeStatic  Purpose = "static"
	PurposeDynamic Purpose = "dynamic"
	PurposeImage   Purpose = "images"
	PurposeAPI     Purpose = "api"
)

// Rules are the inputs of request classification.
type Rules struct {
	APIPatterns      []string
	ImageExtensions  []string
	StaticExtensions []string
}

// Worker is the immutable configuration handed to the lifecycle manager,
// the strategy selector and the replayer at construction time.
type Worker struct {
	Version           string
	Prefix            string
	Manifest          []string
	Rules             Rules
	AnalyticsEndpoint string
	APIKey            string
}

// DefaultWorker returns the configuration shipped with the site.
func DefaultWorker() Worker {
	return Worker{
		Version: "v1",
		Prefix:  "role",
		Manifest: []string{
			"/",
			"/manifest.json",
			"/favicon.ico.png",
			"/robots.txt",
			"/agenda",
			"/artistas",
			"/locais",
			"/organizadores",
		},
		Rules: Rules{
			APIPatterns:      []string{"/rest/v1/", "/api/"},
			ImageExtensions:  []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".avif"},
			StaticExtensions: []string{".js", ".mjs", ".css", ".woff", ".woff2", ".ttf", ".otf", ".eot"},
		},
		AnalyticsEndpoint: "http://localhost:54321" + AnalyticsPath,
	}
}

// Namespace returns the versioned namespace name for a purpose.
func (w Worker) Namespace(p Purpose) string {
	if w.Prefix == "" {
		return fmt.Sprintf("%s-%s", p, w.Version)
	}
	return fmt.Sprintf("%s-%s-%s", w.Prefix, p, w.Version)
}

// Namespaces returns the names of the current namespaces for every purpose.
func (w Worker) Namespaces() Namespaces {
	return Namespaces{
		Static:  w.Namespace(PurposeStatic),
		Dynamic: w.Namespace(PurposeDynamic),
		Image:   w.Namespace(PurposeImage),
		API:     w.Namespace(PurposeAPI),
	}
}

// Namespaces holds the current namespace name of each purpose.
type Namespaces struct {
	Static  string
	Dynamic string
	Image   string
	API     string
}

// Current is the set activation keeps. API responses are stored in the
// dynamic namespace, so the api name is never kept.
func (n Namespaces) Current() []string {
	return []string{n.Static, n.Dynamic, n.Image}
}
