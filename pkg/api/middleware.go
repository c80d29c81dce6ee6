package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// openPaths are reachable without an API key and bypass rate limiting.
// /ws authenticates inside the socket via the api_key message field;
// /discovery/capabilities downgrades to minimal disclosure for anonymous
// callers instead of rejecting them.
var openPaths = map[string]bool{
	"/health":                 true,
	"/metrics":                true,
	"/ws":                     true,
	"/discovery/capabilities": true,
}

// recoverMiddleware converts handler panics into 500s so one bad request
// cannot take the process down.
func recoverMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Handler panic",
						"panic", r,
						"path", c.Request().URL.Path,
						"stack", string(debug.Stack()))
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

// requestIDMiddleware propagates the caller's X-Request-ID or mints one.
func requestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id := c.Request().Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.New().String()
			}
			c.Response().Header().Set("X-Request-ID", id)
			return next(c)
		}
	}
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// authMiddleware enforces the configured API key on everything but the open
// paths. Comparison is constant-time. An empty configured key disables the
// check entirely.
func (s *Server) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if s.apiKey == "" || openPaths[c.Request().URL.Path] {
				return next(c)
			}
			if !keyMatches(presentedKey(c.Request()), s.apiKey) {
				return c.JSON(http.StatusUnauthorized, errorBody{Error: "invalid or missing API key"})
			}
			return next(c)
		}
	}
}

// presentedKey extracts the caller's key from X-API-Key or a Bearer token.
func presentedKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func keyMatches(presented, expected string) bool {
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// rateLimitMiddleware applies the per-client sliding window to mutating
// requests. Reads stay unthrottled.
func (s *Server) rateLimitMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			req := c.Request()
			if s.limiter == nil || openPaths[req.URL.Path] {
				return next(c)
			}
			switch req.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				return next(c)
			}
			if ok, retryAfter := s.limiter.Allow(clientID(req)); !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				return c.JSON(http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			}
			return next(c)
		}
	}
}

// clientID identifies the caller for rate limiting: the API key hash when one
// is presented, otherwise the client address.
func clientID(r *http.Request) string {
	if key := presentedKey(r); key != "" {
		sum := sha256.Sum256([]byte(key))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bodyLimitMiddleware caps request bodies before any handler binds them.
func (s *Server) bodyLimitMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if s.maxBodyBytes > 0 && c.Request().Body != nil {
				c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, s.maxBodyBytes)
			}
			return next(c)
		}
	}
}

// instrument wraps a handler with the per-route counters, the latency
// histogram, and a tracing span. The route label is the registered path, so
// path parameters never explode metric cardinality. It also owns the final
// error-to-response conversion, so every route reports a real status code.
func (s *Server) instrument(route string, h echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		start := time.Now()
		method := c.Request().Method

		ctx, span := s.tracer.Start(c.Request().Context(), "http "+method+" "+route,
			trace.WithAttributes(
				attribute.String("http.route", route),
				attribute.String("http.method", method),
			))
		c.SetRequest(c.Request().WithContext(ctx))

		err := h(c)
		if err != nil {
			if werr := mapServiceError(c, err); werr != nil {
				slog.Error("Failed to write error response", "error", werr, "route", route)
			}
		}

		status := 0
		if resp, rerr := echo.UnwrapResponse(c.Response()); rerr == nil {
			status = resp.Status
		}
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()

		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
			s.metrics.HTTPLatency.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
		}
		return nil
	}
}
