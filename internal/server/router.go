package server

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imgrelay/imgrelay/internal/metrics"
)

// Relay is the cache-then-fetch core mounted behind the request boundary.
// CacheHook runs first for every relay request and either writes the cached
// response or calls c.Next(); Fetch handles POST / when the hook fell through.
type Relay interface {
	CacheHook(c fiber.Ctx) error
	Fetch(c fiber.Ctx) error
}

// AppOptions wires the collaborators of the Fiber application.
type AppOptions struct {
	Logger  *logrus.Logger
	Relay   Relay
	Metrics *metrics.Metrics
}

// MessageURLRequired is the 400 body for requests without a url field.
const MessageURLRequired = "URL is required in request body"

const (
	contextKeyRequestID = "_imgrelay_request_id"
	contextKeyURL       = "_imgrelay_url"
)

type relayRequest struct {
	URL string `json:"url"`
}

// NewApp builds the Fiber application: recover → request id → body contract →
// cache hook → POST / fetch handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Relay == nil {
		return nil, errors.New("relay is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	app.Use(requestBodyMiddleware(opts.Logger, opts.Metrics))
	app.Use(func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Relay.CacheHook(c)
	})
	app.Post("/", opts.Relay.Fetch)

	return app, nil
}

func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// requestBodyMiddleware 解析 {"url": "..."}，缺失或为空时直接返回 400，不触碰索引。
func requestBodyMiddleware(logger *logrus.Logger, m *metrics.Metrics) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		url, err := parseRelayRequest(c)
		if err != nil || url == "" {
			fields := logrus.Fields{
				"action":     "relay_request",
				"request_id": RequestID(c),
				"method":     c.Method(),
			}
			if err != nil {
				fields["error"] = err.Error()
			}
			logger.WithFields(fields).Warn("relay_rejected")
			m.ObserveRequest(metrics.ResultRejected)
			return c.Status(fiber.StatusBadRequest).SendString(MessageURLRequired)
		}

		c.Locals(contextKeyURL, url)
		return c.Next()
	}
}

// parseRelayRequest 仅解析 JSON 请求体；其它 Content-Type 视为空请求体。
func parseRelayRequest(c fiber.Ctx) (string, error) {
	if !isJSONContentType(c.Get(fiber.HeaderContentType)) {
		return "", nil
	}
	body := c.Body()
	if len(body) == 0 {
		return "", nil
	}

	var req relayRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", err
	}
	return req.URL, nil
}

func isJSONContentType(raw string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(raw, ";")[0]))
	return mediaType == fiber.MIMEApplicationJSON || strings.HasSuffix(mediaType, "+json")
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// RequestURL returns the url parsed from the request body, or "" when the
// request did not pass through the body middleware.
func RequestURL(c fiber.Ctx) string {
	if value := c.Locals(contextKeyURL); value != nil {
		if url, ok := value.(string); ok {
			return url
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
