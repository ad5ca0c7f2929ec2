package handlers

import (
	"fmt"
	"net/http"

	"parentpilot-billing/pkg/billing"
	"parentpilot-billing/pkg/config"
	"parentpilot-billing/pkg/database"
	customMiddleware "parentpilot-billing/pkg/middleware"
	"parentpilot-billing/pkg/models"
	"parentpilot-billing/pkg/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxJSONBody 普通 JSON 请求体上限
const maxJSONBody = int64(1 << 20)

// RouterDeps 构建路由所需的依赖
type RouterDeps struct {
	Config   *config.Config
	Store    database.Store
	Services *billing.Services
	JWT      *utils.JWTService
	Logger   *logrus.Logger
	Gatherer prometheus.Gatherer
	// Pool is only used by the development debug endpoint and may be nil.
	Pool *database.Pool
}

// NewRouter 创建Chi路由器并挂载所有端点
// 这里实现了"单体路由模式"，将所有API端点集中在一个Chi路由器中管理
func NewRouter(d RouterDeps) http.Handler {
	router := chi.NewRouter()
	httpLog := d.Logger.WithField("component", "http")

	setupMiddleware(router, d.Config, httpLog)
	setupRoutes(router, d, httpLog)

	return otelhttp.NewHandler(router, "parentpilot-billing",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// setupMiddleware 设置全局中间件
func setupMiddleware(router *chi.Mux, cfg *config.Config, log *logrus.Entry) {
	// 基础中间件
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	// Normalize path and restore scheme/host before logging and routing
	router.Use(customMiddleware.Normalize())
	router.Use(customMiddleware.Logger(log))
	router.Use(customMiddleware.Recovery(log, cfg.IsDevelopment()))

	// CORS中间件
	router.Use(customMiddleware.CORS(cfg))

	// 超时中间件（Vercel函数有时间限制）
	router.Use(middleware.Timeout(cfg.RequestTimeout))

	// 开发环境额外中间件
	if cfg.IsDevelopment() {
		router.Use(middleware.Heartbeat("/ping"))
	}
}

// setupRoutes 设置所有API路由
func setupRoutes(router *chi.Mux, d RouterDeps, log *logrus.Entry) {
	healthHandler := NewHealthHandler(d.Config, d.Store)
	billingHandler := NewBillingHandler(d.Services.Checkout, d.Services.Cancellation, d.Services.Entitlements, log)
	webhookHandler := NewWebhookHandler(d.Services.Webhooks, log)

	// 健康检查端点
	router.Get("/", healthHandler.HealthCheck)

	// Prometheus 指标
	if d.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	// 数据库连接状态端点（调试用）
	if d.Config.IsDevelopment() && d.Pool != nil {
		router.Get("/debug/db-pool", func(w http.ResponseWriter, r *http.Request) {
			utils.WriteSuccessResponse(w, d.Pool.Stats())
		})
	}

	router.Route("/api", func(r chi.Router) {
		// Webhook（签名校验代替用户认证）
		r.Post("/webhooks/stripe", webhookHandler.HandleStripeWebhook)

		// 需要认证的计费路由
		r.Route("/billing", func(r chi.Router) {
			r.Use(customMiddleware.AuthMiddleware(d.JWT, log))

			r.Get("/entitlement", billingHandler.GetEntitlement)

			r.Group(func(r chi.Router) {
				r.Use(customMiddleware.MaxBodySize(maxJSONBody))
				r.Use(customMiddleware.ContentTypeJSON)

				r.Post("/checkout", billingHandler.CreateCheckout)
				r.Post("/cancel", billingHandler.Cancel)
				r.Post("/usage/tokens", billingHandler.RecordTokenUsage)
			})

			// 每条消息消耗 1 个消息额度
			r.With(customMiddleware.RequireAllowance(d.Services.Entitlements, models.ResourceMessages, 1, log)).
				Post("/usage/messages", billingHandler.UsageAccepted)
		})
	})

	// 404处理
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteNotFoundResponse(w, fmt.Sprintf("Route not found: %s %s", r.Method, r.URL.Path))
	})

	// 405处理
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteErrorResponseWithCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("Method %s not allowed for %s", r.Method, r.URL.Path), "")
	})
}
