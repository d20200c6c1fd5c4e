// Package api 提供管道运维 HTTP 接口：健康检查、Prometheus 指标、检查点与缓存状态查询。
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/an0mium/chemdata/internal/telemetry"
)

// RouterConfig 路由器配置选项
type RouterConfig struct {
	// Handler API 处理器
	Handler *Handler
	// Metrics 指标端点处理器，为 nil 时不注册 /metrics
	Metrics http.Handler
	// Logger 日志记录器
	Logger *logrus.Logger
}

// NewRouter 创建并配置 HTTP 路由器。
//
// 路由结构：
//
//	/health                          - 基本健康检查
//	/health/live                     - 存活探针
//	/health/ready                    - 就绪探针（检查点目录可用）
//	/metrics                         - Prometheus 指标端点
//	/api/v1/checkpoints              - 检查点记录列表
//	/api/v1/checkpoints/{step}       - 单个步骤记录与清除
//	/api/v1/cache/stats              - 响应缓存统计
//	/api/v1/cache/prune              - 清理过期缓存
//	/api/v1/breakers                 - 各服务熔断器状态
func NewRouter(cfg *RouterConfig) *chi.Mux {
	h := cfg.Handler
	r := chi.NewRouter()

	r.Use(telemetry.HTTPMiddleware("chemdata-api"))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.Health)
	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/checkpoints", func(r chi.Router) {
			r.Get("/", h.ListCheckpoints)
			r.Get("/{step}", h.GetCheckpoint)
			r.Delete("/{step}", h.ClearCheckpoint)
		})
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", h.CacheStats)
			r.Post("/prune", h.PruneCache)
		})
		r.Get("/breakers", h.ListBreakers)
	})

	return r
}

// requestLogger 以 logrus 记录每个请求的方法、路径、状态码和耗时。
func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logger == nil {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			entry := logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			telemetry.EntryWithTraceContext(r.Context(), entry).Debug("HTTP request")
		})
	}
}
