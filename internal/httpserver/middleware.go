package httpserver

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"jobmate/pipeline-service/internal/domain"
	"jobmate/pipeline-service/internal/logging"
)

const correlationHeader = "X-Correlation-ID"

// correlationMiddleware reuses the caller's correlation id or mints one and
// attaches it to the request context.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(correlationHeader)
		if id == "" {
			id = logging.NewCorrelationID()
		}
		c.Response().Header().Set(correlationHeader, id)
		req := c.Request()
		c.SetRequest(req.WithContext(logging.WithCorrelationID(req.Context(), id)))
		return next(c)
	}
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		req := c.Request()
		slog.InfoContext(req.Context(), "http request",
			"method", req.Method,
			"path", c.Path(),
			"status", c.Response().Status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}
}

// bearerAuth rejects requests whose Authorization header does not carry
// token. The comparison is constant-time.
func bearerAuth(token string) echo.MiddlewareFunc {
	want := []byte(token)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
			if !ok || len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing bearer token")
			}
			return next(c)
		}
	}
}

// errorHandler renders every error as {"error": msg} and maps domain errors
// to status codes.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, msg := http.StatusInternalServerError, "internal error"
	var (
		he *echo.HTTPError
		ve *domain.ValidationError
		ie *domain.IntegrityError
	)
	switch {
	case errors.As(err, &he):
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	case errors.Is(err, domain.ErrNotFound):
		code, msg = http.StatusNotFound, "application not found"
	case errors.Is(err, domain.ErrAlreadyExists):
		code, msg = http.StatusConflict, "application already exists"
	case errors.As(err, &ve):
		code, msg = http.StatusBadRequest, ve.Msg
	case errors.As(err, &ie):
		code, msg = http.StatusConflict, ie.Error()
	default:
		slog.ErrorContext(c.Request().Context(), "request failed", "path", c.Path(), "error", err)
	}

	if err := c.JSON(code, map[string]string{"error": msg}); err != nil {
		slog.WarnContext(c.Request().Context(), "write error response", "error", err)
	}
}
