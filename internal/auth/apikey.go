package auth

import (
	"crypto/subtle"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/opensandboxd/internal/apierr"
)

// APIKeyMiddleware validates the X-API-Key header against the configured key.
// If the configured key is empty, authentication is disabled (development mode).
func APIKeyMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			provided := c.Request().Header.Get("X-API-Key")
			if provided == "" {
				provided = c.QueryParam("api_key")
			}

			if provided == "" {
				return apierr.New(apierr.KindUnauthorized, "missing API key").Write(c)
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				return apierr.New(apierr.KindForbidden, "invalid API key").Write(c)
			}

			return next(c)
		}
	}
}
