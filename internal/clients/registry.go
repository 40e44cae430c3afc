// Package clients tracks the application windows connected to the worker
// and sends them commands.
package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/muandane/special-stack/edgeworker/internal/cache"
	"github.com/muandane/special-stack/edgeworker/internal/notify"
)

const writeTimeout = 5 * time.Second

// Message types exchanged with windows.
const (
	TypeNavigate          = "navigate"
	TypeClaimed           = "claimed"
	TypeNotification      = "notification"
	TypeCloseNotification = "close-notification"
	TypeFocus             = "focus"
	TypeOpen              = "open"
)

// Message is the JSON frame sent to and received from windows.
type Message struct {
	Type         string               `json:"type"`
	URL          string               `json:"url,omitempty"`
	Version      string               `json:"version,omitempty"`
	Tag          string               `json:"tag,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
}

// Conn is the writable side of a window connection.
type Conn interface {
	Write(ctx context.Context, msg Message) error
}

// Info describes a connected window.
type Info struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Controlled bool      `json:"controlled"`
	LastSeen   time.Time `json:"last_seen"`
}

type client struct {
	info Info
	conn Conn
}

// Registry holds the connected windows.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*client
	nextID  int
	logger  *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{clients: make(map[string]*client), logger: logger}
}

// Add registers a window and returns its id.
func (r *Registry) Add(conn Conn, rawURL string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := fmt.Sprintf("client-%d", r.nextID)
	r.clients[id] = &client{
		info: Info{ID: id, URL: normalize(rawURL), LastSeen: time.Now()},
		conn: conn,
	}
	return id
}

// Remove forgets a window.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

// Navigate records the URL a window now shows.
func (r *Registry) Navigate(id, rawURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.info.URL = normalize(rawURL)
		c.info.LastSeen = time.Now()
	}
}

// List returns the connected windows ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Claim marks every window as controlled by version and tells them so.
func (r *Registry) Claim(ctx context.Context, version string) error {
	r.mu.Lock()
	for _, c := range r.clients {
		c.info.Controlled = true
	}
	r.mu.Unlock()
	return r.broadcast(ctx, Message{Type: TypeClaimed, Version: version})
}

// Show displays n in every connected window.
func (r *Registry) Show(ctx context.Context, n notify.Notification) error {
	if len(r.List()) == 0 {
		r.logger.Info("no connected clients to show notification", "tag", n.Tag)
		return nil
	}
	return r.broadcast(ctx, Message{Type: TypeNotification, Notification: &n})
}

// Close dismisses the notification tagged tag in every window.
func (r *Registry) Close(ctx context.Context, tag string) error {
	return r.broadcast(ctx, Message{Type: TypeCloseNotification, Tag: tag})
}

// Focus focuses a window showing target and reports whether there was one.
func (r *Registry) Focus(ctx context.Context, target string) (bool, error) {
	want := normalize(target)

	r.mu.RLock()
	var match *client
	for _, c := range r.clients {
		if c.info.URL == want && (match == nil || c.info.LastSeen.After(match.info.LastSeen)) {
			match = c
		}
	}
	r.mu.RUnlock()

	if match == nil {
		return false, nil
	}
	if err := write(ctx, match.conn, Message{Type: TypeFocus, URL: want}); err != nil {
		return false, err
	}
	return true, nil
}

// Open asks the most recently active window to open target in a new window.
// With no window connected there is nobody to ask; that is logged, not an
// error.
func (r *Registry) Open(ctx context.Context, target string) error {
	r.mu.RLock()
	var recent *client
	for _, c := range r.clients {
		if recent == nil || c.info.LastSeen.After(recent.info.LastSeen) {
			recent = c
		}
	}
	r.mu.RUnlock()

	if recent == nil {
		r.logger.Info("no connected clients to open window", "url", target)
		return nil
	}
	return write(ctx, recent.conn, Message{Type: TypeOpen, URL: normalize(target)})
}

func (r *Registry) broadcast(ctx context.Context, msg Message) error {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c.conn)
	}
	r.mu.RUnlock()

	var errs []error
	for _, conn := range conns {
		if err := write(ctx, conn, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func write(ctx context.Context, conn Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, msg); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}

// ServeHTTP upgrades the request to a websocket and keeps the window
// registered until it disconnects.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := websocket.Accept(w, req, nil)
	if err != nil {
		r.logger.Error("failed to accept client connection", "error", err)
		return
	}
	defer ws.Close(websocket.StatusInternalError, "")

	id := r.Add(&wsConn{conn: ws}, req.URL.Query().Get("url"))
	defer r.Remove(id)
	logger := r.logger.With("client_id", id)
	logger.Info("client connected")

	ctx := req.Context()
	for {
		var msg Message
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.Info("client disconnected")
			} else {
				logger.Info("client connection closed", "error", err)
			}
			return
		}
		if msg.Type == TypeNavigate {
			r.Navigate(id, msg.URL)
		}
	}
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Write(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, msg)
}

// normalize reduces a URL to the path and query a cache key uses, so that
// absolute and relative forms of one page compare equal.
func normalize(raw string) string {
	if raw == "" {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return cache.KeyForURL(u)
}
