// Package notify turns push messages into notifications and routes
// notification clicks to application windows.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrInvalidPayload is returned for push messages that cannot be displayed.
var ErrInvalidPayload = errors.New("invalid push payload")

const (
	defaultURL  = "/"
	defaultIcon = "/favicon.ico.png"
	defaultTag  = "role-notification"

	// ActionView is the single action attached to every notification.
	ActionView = "view"
)

// Payload is the JSON body of a push message.
type Payload struct {
	Title string `json:"title" binding:"required"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	Badge string `json:"badge"`
	URL   string `json:"url"`
	Tag   string `json:"tag"`
}

// Action is a button shown on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Data is the metadata carried by a notification.
type Data struct {
	URL string `json:"url"`
}

// Notification is what gets displayed for a push message.
type Notification struct {
	Tag     string   `json:"tag"`
	Title   string   `json:"title"`
	Body    string   `json:"body,omitempty"`
	Icon    string   `json:"icon,omitempty"`
	Badge   string   `json:"badge,omitempty"`
	Actions []Action `json:"actions"`
	Data    Data     `json:"data"`
}

// Click describes a click on a displayed notification.
type Click struct {
	Tag    string `json:"tag"`
	Action string `json:"action"`
	URL    string `json:"url"`
}

// Windows displays notifications and drives application windows.
type Windows interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
	// Focus focuses a window showing url and reports whether one was found.
	Focus(ctx context.Context, url string) (bool, error)
	Open(ctx context.Context, url string) error
}

// Bridge connects push messages and notification clicks to windows.
type Bridge struct {
	windows Windows
	logger  *slog.Logger
}

// NewBridge returns a Bridge. A nil logger falls back to slog.Default.
func NewBridge(windows Windows, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{windows: windows, logger: logger}
}

// Build turns a payload into a notification, filling defaults.
func Build(p Payload) (Notification, error) {
	if strings.TrimSpace(p.Title) == "" {
		return Notification{}, fmt.Errorf("%w: title is required", ErrInvalidPayload)
	}
	n := Notification{
		Tag:     p.Tag,
		Title:   p.Title,
		Body:    p.Body,
		Icon:    p.Icon,
		Badge:   p.Badge,
		Actions: []Action{{Action: ActionView, Title: "Ver"}},
		Data:    Data{URL: p.URL},
	}
	if n.Tag == "" {
		n.Tag = defaultTag
	}
	if n.Icon == "" {
		n.Icon = defaultIcon
	}
	if n.Badge == "" {
		n.Badge = defaultIcon
	}
	if n.Data.URL == "" {
		n.Data.URL = defaultURL
	}
	return n, nil
}

// Push decodes a push message and displays it.
func (b *Bridge) Push(ctx context.Context, data []byte) (Notification, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	n, err := Build(p)
	if err != nil {
		return Notification{}, err
	}
	if err := b.windows.Show(ctx, n); err != nil {
		return n, fmt.Errorf("show notification: %w", err)
	}
	b.logger.Info("notification shown", "tag", n.Tag, "url", n.Data.URL)
	return n, nil
}

// Click closes the clicked notification, then focuses a window already
// showing its URL or opens a new one.
func (b *Bridge) Click(ctx context.Context, c Click) error {
	target := c.URL
	if target == "" {
		target = defaultURL
	}
	tag := c.Tag
	if tag == "" {
		tag = defaultTag
	}
	if err := b.windows.Close(ctx, tag); err != nil {
		b.logger.Warn("failed to close notification", "tag", tag, "error", err)
	}

	focused, err := b.windows.Focus(ctx, target)
	if err != nil {
		return fmt.Errorf("focus window: %w", err)
	}
	if focused {
		b.logger.Info("focused existing window", "url", target)
		return nil
	}
	if err := b.windows.Open(ctx, target); err != nil {
		return fmt.Errorf("open window: %w", err)
	}
	b.logger.Info("opened window", "url", target)
	return nil
}
