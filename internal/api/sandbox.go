package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/opensandboxd/internal/apierr"
	"github.com/opensandbox/opensandboxd/internal/metrics"
	"github.com/opensandbox/opensandboxd/internal/store"
	"github.com/opensandbox/opensandboxd/pkg/types"
)

func (s *Server) createSandbox(c echo.Context) error {
	var req types.CreateRequest
	if err := c.Bind(&req); err != nil {
		return apierr.New(apierr.KindInvalidRequest, "invalid request body: %v", err).Write(c)
	}

	sb, err := s.controller.Create(c.Request().Context(), req)
	if err != nil {
		metrics.SandboxCreatesTotal.WithLabelValues(req.Template, "error").Inc()
		return apierr.Respond(c, err)
	}
	metrics.SandboxCreatesTotal.WithLabelValues(req.Template, "ok").Inc()
	return c.JSON(http.StatusCreated, sb)
}

func (s *Server) listSandboxes(c echo.Context) error {
	filter := types.ListFilter{
		State:      types.SandboxState(c.QueryParam("state")),
		NamePrefix: c.QueryParam("name_prefix"),
	}
	if v := c.QueryParam("page"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			filter.Page = n
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			filter.Limit = n
		}
	}
	sandboxes, err := s.controller.List(filter)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, sandboxes)
}

func (s *Server) getSandbox(c echo.Context) error {
	sb, err := s.controller.Get(c.Param("id"))
	if err != nil {
		return apierr.Respond(c, translateStoreErr(err))
	}
	return c.JSON(http.StatusOK, sb)
}

func (s *Server) deleteSandbox(c echo.Context) error {
	force := c.QueryParam("force") == "true"
	keepWorkspace := c.QueryParam("keep_workspace") == "true"
	if err := s.controller.Delete(c.Request().Context(), c.Param("id"), force, keepWorkspace); err != nil {
		return apierr.Respond(c, translateStoreErr(err))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) batchDeleteSandboxes(c echo.Context) error {
	var req types.BatchDeleteRequest
	if err := c.Bind(&req); err != nil {
		return apierr.New(apierr.KindInvalidRequest, "invalid request body: %v", err).Write(c)
	}
	results := s.controller.BatchDelete(c.Request().Context(), req)
	return c.JSON(http.StatusOK, results)
}

func (s *Server) extendSandbox(c echo.Context) error {
	var req types.ExtendRequest
	if err := c.Bind(&req); err != nil {
		return apierr.New(apierr.KindInvalidRequest, "invalid request body: %v", err).Write(c)
	}
	if req.Seconds <= 0 {
		return apierr.New(apierr.KindInvalidRequest, "seconds must be positive").Write(c)
	}
	sb, err := s.controller.Extend(c.Param("id"), req.Seconds)
	if err != nil {
		return apierr.Respond(c, translateStoreErr(err))
	}
	return c.JSON(http.StatusOK, sb)
}

func (s *Server) statsSandbox(c echo.Context) error {
	st, err := s.controller.Stats(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apierr.Respond(c, translateStoreErr(err))
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) logsSandbox(c echo.Context) error {
	id := c.Param("id")
	tail := 0
	if v := c.QueryParam("tail"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			tail = n
		}
	}
	logs, err := s.controller.Logs(c.Request().Context(), id, tail, c.QueryParam("since"), c.QueryParam("until"))
	if err != nil {
		return apierr.Respond(c, translateStoreErr(err))
	}
	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", logs)
}

// translateStoreErr maps the bare store.ErrNotFound sentinel (the only
// untyped error the controller surfaces, since a missing record isn't
// otherwise distinguishable from a generic failure) into the standard
// apierr envelope.
func translateStoreErr(err error) error {
	if err == store.ErrNotFound {
		return apierr.New(apierr.KindNotFound, "sandbox not found")
	}
	return err
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, apierr.New(apierr.KindInvalidRequest, "not a number: %s", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}
