package relay

import (
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/orchestra-mcp/notesync/src/hub"
	"github.com/orchestra-mcp/notesync/src/transport"
)

// wsHandler returns the fasthttp handler for websocket upgrades.
// Authentication happens on the CONNECT frame, not on the upgrade.
func (s *Server) wsHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}
		if limit := s.cfg.Socket.MaxConnections; limit > 0 && s.hub.ClientCount() >= limit {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"too_many_connections"}`)
			return
		}

		clientID := uuid.New().String()
		h := s.hub
		err := s.upgrader.Upgrade(ctx, func(ws *websocket.Conn) {
			conn := transport.Wrap(ws, s.cfg.Socket.Ping(), s.cfg.Socket.Write(), s.logger)
			client := hub.NewClient(clientID, conn, h)
			h.Register(client)
			go client.WritePump()
			client.ReadPump()
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}
