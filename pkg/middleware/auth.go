package middleware

import (
	"context"
	"net/http"
	"strings"

	"parentpilot-billing/pkg/billing"
	"parentpilot-billing/pkg/models"
	"parentpilot-billing/pkg/utils"

	"github.com/sirupsen/logrus"
)

// ContextKey 用于在context中存储用户信息的键
type ContextKey string

const (
	UserContextKey ContextKey = "user"
)

// AuthMiddleware JWT认证中间件
func AuthMiddleware(jwtService *utils.JWTService, log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 从Authorization头获取token
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				log.WithField("path", r.URL.Path).Debug("❌ Missing authorization header")
				utils.WriteUnauthorizedResponse(w, "Missing authorization header")
				return
			}

			// 检查Bearer前缀
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || tokenString == "" {
				utils.WriteUnauthorizedResponse(w, "Invalid authorization header format")
				return
			}

			claims, err := jwtService.ValidateToken(tokenString)
			if err != nil {
				log.WithError(err).WithField("path", r.URL.Path).Info("❌ Token rejected")
				utils.WriteUnauthorizedResponse(w, "Invalid token")
				return
			}

			// 将用户信息添加到请求context中
			ctx := WithUser(r.Context(), claims.ToUser())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithUser 将用户写入context
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUserFromContext 从context中获取用户信息
func GetUserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(UserContextKey).(*models.User)
	return user, ok
}

// RequireUser 要求用户必须已认证的辅助函数
func RequireUser(ctx context.Context) (*models.User, error) {
	user, ok := GetUserFromContext(ctx)
	if !ok || user == nil || user.ID == "" {
		return nil, billing.ErrUserUnauthenticated
	}
	return user, nil
}
