package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openrecords/requestflow/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for MVP
	},
}

// Handler handles WebSocket connections
type Handler struct {
	bus    *events.Bus
	logger *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(bus *events.Bus, logger *zap.Logger) *Handler {
	return &Handler{
		bus:    bus,
		logger: logger,
	}
}

// HandleEventStream streams bus events to a WebSocket client. Query
// parameters: types (comma-separated event types, empty for all) and
// correlation_id.
func (h *Handler) HandleEventStream(c *gin.Context) {
	kinds := parseKinds(c.Query("types"))
	correlationID := c.Query("correlation_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("client", c.ClientIP()),
		zap.Int("types", len(kinds)))

	eventChan := make(chan *events.Event, 64)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Each connection gets its own subscription
	subID := "ws:" + uuid.New().String()
	h.bus.SubscribeFiltered(subID, kinds,
		func(ev *events.Event) bool {
			return correlationID == "" || ev.CorrelationID == correlationID
		},
		func(ctx context.Context, ev *events.Event) error {
			select {
			case eventChan <- ev:
			case <-ctx.Done():
				return ctx.Err()
			default:
				// Channel full, skip event
				h.logger.Warn("event channel full, dropping event",
					zap.String("event_id", ev.ID),
					zap.String("event_type", string(ev.Kind)))
			}
			return nil
		})
	defer h.bus.Unsubscribe(subID)

	// Reader goroutine detects client disconnect
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eventChan:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}

			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Error("failed to write message", zap.Error(err))
				return
			}
		}
	}
}

func parseKinds(raw string) []events.Kind {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	kinds := make([]events.Kind, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			kinds = append(kinds, events.Kind(trimmed))
		}
	}
	return kinds
}
