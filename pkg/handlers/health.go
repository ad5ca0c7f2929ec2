package handlers

import (
	"context"
	"net/http"
	"time"

	"parentpilot-billing/pkg/config"
	"parentpilot-billing/pkg/database"
	"parentpilot-billing/pkg/utils"
)

// HealthHandler 健康检查
type HealthHandler struct {
	config *config.Config
	store  database.Store
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(cfg *config.Config, store database.Store) *HealthHandler {
	return &HealthHandler{config: cfg, store: store}
}

// HealthCheck GET /
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 测试数据库连接
	dbStatus := "healthy"
	if err := h.store.HealthCheck(ctx); err != nil {
		dbStatus = "unhealthy: " + err.Error()
	}

	utils.WriteSuccessResponse(w, map[string]interface{}{
		"service":     "parentpilot-billing",
		"version":     "1.0.0",
		"environment": h.config.Environment,
		"database":    h.getDatabaseType(),
		"db_status":   dbStatus,
		"provider":    h.config.PaymentProvider,
		"timestamp":   time.Now().Unix(),
		"status":      "healthy",
	})
}

// getDatabaseType 获取数据库类型
func (h *HealthHandler) getDatabaseType() string {
	switch h.store.(type) {
	case *database.PostgresStore:
		return "postgresql"
	case *database.SupabaseStore:
		return "supabase"
	case *database.LocalStore:
		return "local"
	}
	return "unknown"
}
