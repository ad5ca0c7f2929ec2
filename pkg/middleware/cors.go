package middleware

import (
	"net/http"

	"parentpilot-billing/pkg/config"

	"github.com/go-chi/cors"
)

// CORS 创建CORS中间件
// The webhook route is called server to server and ignores these headers.
func CORS(cfg *config.Config) func(http.Handler) http.Handler {
	corsOptions := cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-Requested-With",
		},
		ExposedHeaders: []string{
			"X-Request-Id",
		},
		AllowCredentials: false,
		MaxAge:           300, // 5分钟
	}

	// 配置了具体来源时允许携带凭据（通配符来源不能携带凭据）
	if len(cfg.AllowedOrigins) > 0 && cfg.AllowedOrigins[0] != "*" {
		corsOptions.AllowCredentials = true
	} else {
		corsOptions.AllowedOrigins = []string{"*"}
	}

	return cors.Handler(corsOptions)
}
