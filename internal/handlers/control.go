package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/muandane/special-stack/edgeworker/internal/cache"
	"github.com/muandane/special-stack/edgeworker/internal/events"
	"github.com/muandane/special-stack/edgeworker/internal/notify"
	"github.com/muandane/special-stack/edgeworker/internal/queue"
)

// ControlPrefix is where the control API is mounted.
const ControlPrefix = "/_worker"

// Dispatcher delivers events to the worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, e events.Event) error
}

// Enqueuer buffers analytics events.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload json.RawMessage) (int64, error)
}

type syncRequest struct {
	Tag string `json:"tag" binding:"required"`
}

// ControlAPI lets the host and the application drive the worker.
type ControlAPI struct {
	bus     Dispatcher
	queue   Enqueuer
	store   cache.Store
	current []string
	clients http.Handler
	stats   http.Handler
	logger  *slog.Logger
}

type ControlOptions struct {
	Bus     Dispatcher
	Queue   Enqueuer
	Store   cache.Store
	Current []string
	Clients http.Handler
	Stats   http.Handler
	Logger  *slog.Logger
}

func NewControlAPI(opts ControlOptions) *ControlAPI {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ControlAPI{
		bus:     opts.Bus,
		queue:   opts.Queue,
		store:   opts.Store,
		current: opts.Current,
		clients: opts.Clients,
		stats:   opts.Stats,
		logger:  opts.Logger,
	}
}

// Register mounts the control routes on g.
func (a *ControlAPI) Register(g *gin.RouterGroup) {
	g.POST("/sync", a.Sync)
	g.POST("/push", a.Push)
	g.POST("/notifications/click", a.NotificationClick)
	g.POST("/analytics", a.Analytics)
	g.GET("/namespaces", a.Namespaces)
	if a.clients != nil {
		g.GET("/clients", gin.WrapH(a.clients))
	}
	if a.stats != nil {
		g.GET("/stats", gin.WrapH(a.stats))
	}
}

// Sync fires a sync event and waits for its handlers.
func (a *ControlAPI) Sync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.bus.Dispatch(c.Request.Context(), events.Event{Type: events.Sync, Tag: req.Tag}); err != nil {
		a.logger.Error("sync failed", "tag", req.Tag, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tag": req.Tag, "status": "completed"})
}

// Push delivers a push message.
func (a *ControlAPI) Push(c *gin.Context) {
	var p notify.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	a.dispatch(c, events.Event{Type: events.Push, Data: data})
}

// NotificationClick reports a click on a displayed notification.
func (a *ControlAPI) NotificationClick(c *gin.Context) {
	var click notify.Click
	if err := c.ShouldBindJSON(&click); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := json.Marshal(click)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	a.dispatch(c, events.Event{Type: events.NotificationClick, Data: data})
}

func (a *ControlAPI) dispatch(c *gin.Context, e events.Event) {
	err := a.bus.Dispatch(c.Request.Context(), e)
	switch {
	case err == nil:
		c.Status(http.StatusAccepted)
	case errors.Is(err, notify.ErrInvalidPayload):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		a.logger.Error("event handler failed", "event", e.Type, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Analytics buffers one analytics event for the next replay.
func (a *ControlAPI) Analytics(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := a.queue.Enqueue(c.Request.Context(), json.RawMessage(body))
	if err != nil {
		if errors.Is(err, queue.ErrInvalidPayload) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		a.logger.Error("failed to buffer analytics event", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

// readBody returns the request body, inflating it when the client sent it
// gzip-encoded.
func readBody(c *gin.Context) ([]byte, error) {
	body, err := c.GetRawData()
	if err != nil {
		return nil, err
	}
	if c.GetHeader("Content-Encoding") == "gzip" {
		return cache.DecompressData(body)
	}
	return body, nil
}

// Namespaces lists the existing cache namespaces next to the current set.
func (a *ControlAPI) Namespaces(c *gin.Context) {
	names, err := a.store.Names(c.Request.Context())
	if err != nil {
		a.logger.Error("failed to list namespaces", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"namespaces": names, "current": a.current})
}
