package proxy

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/imgrelay/imgrelay/internal/cache"
	"github.com/imgrelay/imgrelay/internal/logging"
	"github.com/imgrelay/imgrelay/internal/metrics"
	"github.com/imgrelay/imgrelay/internal/server"
)

// fetchErrorPrefix 是回源失败时 500 响应体的前缀。
const fetchErrorPrefix = "Error fetching the resource: "

// resolvedStateKey 保存 CacheHook 的判定结果，Fetch 据此为每个请求只计一次结果。
const resolvedStateKey = "_imgrelay_resolved_state"

// Handler 将 Pipeline 挂到 Fiber 上：CacheHook 负责命中时直接返回磁盘正文，
// Fetch 负责未命中时回源并写缓存。
type Handler struct {
	pipeline *Pipeline
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

// NewHandler constructs the relay handler.
func NewHandler(pipeline *Pipeline, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		pipeline: pipeline,
		logger:   logger,
		metrics:  m,
	}
}

// CacheHook 在 fetch 之前执行；仅当索引命中且正文存在时短路返回。
func (h *Handler) CacheHook(c fiber.Ctx) error {
	url := server.RequestURL(c)
	if url == "" {
		return c.Next()
	}

	started := time.Now()
	resolution := h.pipeline.Resolve(requestContext(c), url)
	switch resolution.State {
	case StateHitValid:
		return h.serveCached(c, url, resolution.Cached, started)
	case StateHitInvalid:
		h.logger.WithFields(h.fields(c, url, false)).
			WithField("action", "relay").
			Info("relay_stale")
	default:
		h.logger.WithFields(h.fields(c, url, false)).
			WithField("action", "relay").
			Debug("relay_miss")
	}
	c.Locals(resolvedStateKey, resolution.State)
	return c.Next()
}

// Fetch 处理未命中的 POST /：回源成功返回上游 Content-Type 与原始字节，失败返回 500。
func (h *Handler) Fetch(c fiber.Ctx) error {
	url := server.RequestURL(c)
	if url == "" {
		return c.Status(fiber.StatusBadRequest).SendString(server.MessageURLRequired)
	}

	started := time.Now()
	populated, err := h.pipeline.Populate(requestContext(c), url)
	if err != nil {
		h.metrics.ObserveRequest(metrics.ResultFetchError)
		fields := h.fields(c, url, false)
		fields["action"] = "relay"
		fields["elapsed_ms"] = elapsedMillis(started)
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("relay_fetch_failed")

		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.Status(fiber.StatusInternalServerError).SendString(fetchErrorPrefix + err.Error())
	}

	if state, _ := c.Locals(resolvedStateKey).(State); state == StateHitInvalid {
		h.metrics.ObserveRequest(metrics.ResultInvalid)
	} else {
		h.metrics.ObserveRequest(metrics.ResultMiss)
	}

	fields := h.fields(c, url, false)
	fields["action"] = "relay"
	fields["content_type"] = populated.Entry.ContentType
	fields["size_bytes"] = len(populated.Body)
	fields["elapsed_ms"] = elapsedMillis(started)
	fields["cached"] = populated.StoreErr == nil && populated.IndexErr == nil
	h.logger.WithFields(fields).Info("relay_fetched")

	c.Set(fiber.HeaderContentType, populated.Entry.ContentType)
	c.Set("X-Imgrelay-Cache", "miss")
	c.Response().Header.SetContentLength(len(populated.Body))
	return c.Status(fiber.StatusOK).Send(populated.Body)
}

func (h *Handler) serveCached(c fiber.Ctx, url string, result *cache.ReadResult, started time.Time) error {
	defer result.Reader.Close()

	c.Type(result.Artifact.Entry.ResolvedExtension())
	c.Set("X-Imgrelay-Cache", "hit")
	c.Response().Header.SetContentLength(int(result.Artifact.SizeBytes))
	c.Status(fiber.StatusOK)

	_, err := io.Copy(c.Response().BodyWriter(), result.Reader)

	fields := h.fields(c, url, true)
	fields["action"] = "relay"
	fields["file"] = result.Artifact.FilePath
	fields["elapsed_ms"] = elapsedMillis(started)
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("relay_hit_failed")
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	h.metrics.ObserveRequest(metrics.ResultHit)
	h.logger.WithFields(fields).Info("relay_hit")
	return nil
}

func (h *Handler) fields(c fiber.Ctx, url string, cacheHit bool) logrus.Fields {
	return logging.RequestFields(url, cache.Digest(url), server.RequestID(c), cacheHit)
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
