package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/opensandbox/opensandboxd/internal/agentreg"
	"github.com/opensandbox/opensandboxd/internal/apierr"
)

var controlUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// controlStream upgrades an agent's outbound connection into the
// control-stream WebSocket. The agent authenticates with the
// sandbox-scoped JWT it was handed in its environment at create time;
// the registry's own Register/Ack handshake then binds the connection
// to that sandbox's session.
func (s *Server) controlStream(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		token = c.Request().Header.Get("Authorization")
	}
	if token == "" {
		return apierr.New(apierr.KindUnauthorized, "missing agent token").Write(c)
	}

	if s.jwtIssuer != nil {
		if _, err := s.jwtIssuer.ValidateAgentToken(token); err != nil {
			return apierr.New(apierr.KindUnauthorized, "invalid agent token: %v", err).Write(c)
		}
	}

	ws, err := controlUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	s.registry.Serve(agentreg.NewWSTransport(ws))
	return nil
}
