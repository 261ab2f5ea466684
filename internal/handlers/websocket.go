package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/studyroom/internal/models"
	"github.com/mossy-p/studyroom/internal/signaling"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// WatchSession streams session snapshots over a WebSocket until either side goes away
func (h *Calls) WatchSession(c *gin.Context) {
	callID, ok := h.callID(c)
	if !ok {
		return
	}

	serveWatch(c, h.logger, func(ctx context.Context) (*signaling.Subscription[models.SessionSnapshot], error) {
		return h.channel.WatchSession(ctx, callID)
	}, func(snap models.SessionSnapshot) models.StreamMessage {
		return models.StreamMessage{Type: models.StreamTypeSnapshot, Snapshot: &snap}
	})
}

// WatchCandidates streams one role's candidates over a WebSocket, existing ones first
func (h *Calls) WatchCandidates(c *gin.Context) {
	callID, ok := h.callID(c)
	if !ok {
		return
	}
	role, err := models.ParseRole(c.Param("role"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	serveWatch(c, h.logger, func(ctx context.Context) (*signaling.Subscription[models.CandidateRecord], error) {
		return h.channel.WatchCandidates(ctx, callID, role)
	}, func(rec models.CandidateRecord) models.StreamMessage {
		return models.StreamMessage{Type: models.StreamTypeCandidate, Candidate: &rec}
	})
}

// serveWatch upgrades the request and pumps a subscription into it. The
// handler blocks for the lifetime of the stream.
func serveWatch[T any](
	c *gin.Context,
	logger *slog.Logger,
	watch func(ctx context.Context) (*signaling.Subscription[T], error),
	frame func(T) models.StreamMessage,
) {
	// Hijacked connections outlive the request context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := watch(ctx)
	if err != nil {
		status, msg := errorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	defer sub.Close()

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("failed to upgrade connection", "path", c.Request.URL.Path, "err", err)
		return
	}
	defer conn.Close()

	logger.Debug("watch stream opened", "path", c.Request.URL.Path)
	go readPump(conn, cancel, logger)
	writePump(ctx, conn, sub, frame, logger)
	logger.Debug("watch stream closed", "path", c.Request.URL.Path)
}

// readPump keeps the read deadline fresh and cancels the stream once the peer
// goes away. Clients never send data frames on a watch stream.
func readPump(conn *websocket.Conn, cancel context.CancelFunc, logger *slog.Logger) {
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Warn("websocket error", "err", err)
			}
			return
		}
	}
}

func writePump[T any](
	ctx context.Context,
	conn *websocket.Conn,
	sub *signaling.Subscription[T],
	frame func(T) models.StreamMessage,
	logger *slog.Logger,
) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case v, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				if err := sub.Err(); err != nil {
					logger.Warn("watch subscription failed", "err", err)
					conn.WriteJSON(models.StreamMessage{Type: models.StreamTypeError, Error: err.Error()})
				}
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := conn.WriteJSON(frame(v)); err != nil {
				logger.Warn("failed to write message", "err", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
