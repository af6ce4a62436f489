package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/yvesdamsh/damcash2/internal/obslog"
	"github.com/yvesdamsh/damcash2/internal/push"
)

// websocketBridge attaches a client to the session event stream. Outbound:
// every envelope published on the session topic. Inbound: client envelopes
// (direct state pushes, force-save requests) are relayed onto the same topic
// so every peer and poller converges on them.
func (s *Server) websocketBridge(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.svc.Get(c.Request.Context(), sessionID); err != nil {
		s.fail(c, err)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "websocket upgrade failed"})
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := c.Request.Context()
	sub := push.NewSubscriber(ctx, s.rdb, sessionID)
	defer sub.Close()
	bcast := push.NewRedisBroadcaster(s.rdb)

	obslog.L().Debug("ws_attached", zap.String("session_id", sessionID))

	// inbound relay
	go func() {
		for {
			var env push.Envelope
			if rerr := wsjson.Read(ctx, conn, &env); rerr != nil {
				return
			}
			if env.Type == "" {
				continue
			}
			if perr := bcast.Publish(ctx, sessionID, env); perr != nil {
				obslog.L().Warn("ws_relay_error",
					zap.String("session_id", sessionID),
					zap.String("type", env.Type),
					zap.Error(perr),
				)
			}
		}
	}()

	// outbound fanout
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			if werr := wsjson.Write(ctx, conn, env); werr != nil {
				return
			}
		}
	}
}
