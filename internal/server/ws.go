package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wavework/foreman/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamTopics are the bus topics forwarded to WebSocket clients.
var streamTopics = []string{
	events.TopicGraph,
	events.TopicPlanner,
	events.TopicQueue,
	events.TopicPool,
}

// streamFrame is one message pushed to a WebSocket client.
type streamFrame struct {
	Topic string       `json:"topic"`
	Event events.Event `json:"event"`
}

// handleEventStream upgrades the connection and forwards bus events
// until the client disconnects. An optional topic query parameter
// narrows the stream to one topic.
func (s *Server) handleEventStream(c *gin.Context) {
	if s.bus == nil {
		errorJSON(c, http.StatusNotImplemented, "NO_BUS",
			errors.New("event streaming is not configured"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	topics := streamTopics
	if topic := c.Query("topic"); topic != "" {
		topics = []string{topic}
	}

	s.logger.Info("event stream opened",
		zap.String("client", c.ClientIP()), zap.Strings("topics", topics))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	frames := make(chan streamFrame, 64)
	for _, topic := range topics {
		topic := topic
		handler := func(hctx context.Context, event events.Event) error {
			select {
			case frames <- streamFrame{Topic: topic, Event: event}:
			case <-ctx.Done():
			default:
				// Slow client; drop rather than block publishers.
				s.logger.Warn("event stream backlogged, dropping event",
					zap.String("event_id", event.ID))
			}
			return nil
		}
		if err := s.bus.Subscribe(ctx, topic, handler); err != nil {
			s.logger.Error("event stream subscribe failed",
				zap.String("topic", topic), zap.Error(err))
		}
	}

	// Reads only serve to detect the client going away.
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
		case frame := <-frames:
			if err := conn.WriteJSON(frame); err != nil {
				s.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}
