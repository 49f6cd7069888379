package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/opensandbox/opensandboxd/internal/apierr"
	"github.com/opensandbox/opensandboxd/pkg/types"
)

var ptyUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *Server) createPTY(c echo.Context) error {
	id := c.Param("id")

	var req types.PTYCreateRequest
	if err := c.Bind(&req); err != nil {
		return apierr.New(apierr.KindInvalidRequest, "invalid request body: %v", err).Write(c)
	}

	resp, err := s.ptyBridge.Create(id, req)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) resizePTY(c echo.Context) error {
	var req types.PTYResizeRequest
	if err := c.Bind(&req); err != nil {
		return apierr.New(apierr.KindInvalidRequest, "invalid request body: %v", err).Write(c)
	}
	if err := s.ptyBridge.Resize(c.Param("id"), c.Param("pty_id"), req.Cols, req.Rows); err != nil {
		return apierr.Respond(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) killPTY(c echo.Context) error {
	if err := s.ptyBridge.Kill(c.Param("id"), c.Param("pty_id")); err != nil {
		return apierr.Respond(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) ptyWebSocket(c echo.Context) error {
	ws, err := ptyUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	return s.ptyBridge.Attach(c.Param("id"), c.Param("pty_id"), ws)
}
