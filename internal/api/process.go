package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensandbox/opensandboxd/internal/apierr"
	"github.com/opensandbox/opensandboxd/internal/metrics"
	"github.com/opensandbox/opensandboxd/pkg/types"
)

const defaultMaxProcessBuffer = 1 << 20 // 1MiB, mirrors CommandWaiter's own cap

func (s *Server) runProcess(c echo.Context) error {
	id := c.Param("id")

	var spec types.CommandSpec
	if err := c.Bind(&spec); err != nil {
		return apierr.New(apierr.KindInvalidRequest, "invalid request body: %v", err).Write(c)
	}
	if spec.Command == "" {
		return apierr.New(apierr.KindInvalidRequest, "command is required").Write(c)
	}

	if spec.Stream {
		return s.streamRunProcess(c, id, spec)
	}

	timer := prometheus.NewTimer(metrics.ExecDuration.WithLabelValues())
	defer timer.ObserveDuration()

	result, err := s.pipeline.Run(c.Request().Context(), id, spec, defaultMaxProcessBuffer)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// streamRunProcess dispatches the command and streams frames back as
// Server-Sent Events on the same request, for clients that asked for
// stream:true instead of a separate GET .../stream poll.
func (s *Server) streamRunProcess(c echo.Context, sandboxID string, spec types.CommandSpec) error {
	commandID, frames, err := s.pipeline.Stream(c.Request().Context(), sandboxID, spec)
	if err != nil {
		return apierr.Respond(c, err)
	}
	return writeSSE(c, commandID, frames)
}

func (s *Server) streamProcess(c echo.Context) error {
	id := c.Param("id")
	commandID := c.Param("command_id")

	var spec types.CommandSpec
	if err := c.Bind(&spec); err != nil {
		return apierr.New(apierr.KindInvalidRequest, "invalid request body: %v", err).Write(c)
	}
	spec.Stream = true

	newCommandID, frames, err := s.pipeline.Stream(c.Request().Context(), id, spec)
	if err != nil {
		return apierr.Respond(c, err)
	}
	_ = commandID // the caller-supplied id is informational; the pipeline assigns the authoritative one
	return writeSSE(c, newCommandID, frames)
}

func writeSSE(c echo.Context, commandID string, frames <-chan *types.ProcessFrame) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for frame := range frames {
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, data); err != nil {
			return nil
		}
		w.Flush()
	}
	_ = commandID
	return nil
}

func (s *Server) killProcess(c echo.Context) error {
	id := c.Param("id")
	commandID := c.Param("command_id")

	var req types.KillRequest
	_ = c.Bind(&req)
	if req.Signal == "" {
		req.Signal = "SIGTERM"
	}

	if err := s.pipeline.Kill(id, commandID, req.Signal); err != nil {
		return apierr.Respond(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
