package controllers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"voiceagent/monitor"
	"voiceagent/services"
	"voiceagent/sessions"
)

const (
	defaultConversationLimit = 10
	maxConversationLimit     = 100
)

// MonitorController serves the read-only operator endpoints.
type MonitorController struct {
	manager   *sessions.Manager
	store     services.TranscriptStore
	hub       *monitor.Hub
	upgrader  websocket.Upgrader
	pingEvery time.Duration
	logger    *slog.Logger
}

func NewMonitorController(manager *sessions.Manager, store services.TranscriptStore, hub *monitor.Hub, pingEvery time.Duration, logger *slog.Logger) *MonitorController {
	return &MonitorController{
		manager: manager,
		store:   store,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		pingEvery: pingEvery,
		logger:    logger,
	}
}

func (mc *MonitorController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "voice-ai-agent"})
}

func (mc *MonitorController) ActiveCalls(c *gin.Context) {
	active := mc.manager.Active()
	details := make(map[string]int, len(active))
	for _, call := range active {
		details[call.CallSID] = call.ExchangeCount
	}
	c.JSON(http.StatusOK, gin.H{
		"active_calls": active,
		"count":        len(active),
		"details":      details,
	})
}

func (mc *MonitorController) ListConversations(c *gin.Context) {
	limit := defaultConversationLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxConversationLimit)
	}

	recs, err := mc.store.List(c.Request.Context(), limit)
	if err != nil {
		mc.logger.ErrorContext(c.Request.Context(), "list conversations", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": recs, "count": len(recs)})
}

func (mc *MonitorController) GetConversation(c *gin.Context) {
	callSID := c.Param("call_sid")
	rec, err := mc.store.Get(c.Request.Context(), callSID)
	switch {
	case errors.Is(err, services.ErrTranscriptNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case err != nil:
		mc.logger.ErrorContext(c.Request.Context(), "get conversation", "call_sid", callSID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
	default:
		c.JSON(http.StatusOK, rec)
	}
}

// Stream upgrades to a websocket and pushes the active call snapshot
// followed by live call lifecycle events.
func (mc *MonitorController) Stream(c *gin.Context) {
	conn, err := mc.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		mc.logger.WarnContext(c.Request.Context(), "monitor upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Subscribe before the snapshot so no event falls between the two.
	sub := mc.hub.Subscribe()
	defer mc.hub.Unsubscribe(sub)

	mc.logger.InfoContext(c.Request.Context(), "monitor stream opened", "subscribers", mc.hub.Subscribers())
	if err := monitor.Stream(conn, sub, mc.hub.SnapshotEvent(mc.manager.Active()), mc.pingEvery); err != nil {
		mc.logger.InfoContext(c.Request.Context(), "monitor stream closed", "err", err)
	}
}
