package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// User 已认证的调用方（由认证服务签发的令牌解析而来）
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// TokenClaims represents the access token claims issued by the auth service.
// The user id is carried in the registered "sub" claim.
type TokenClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ToUser 转换为上下文中的用户
func (c *TokenClaims) ToUser() *User {
	return &User{ID: c.Subject, Email: c.Email, Role: c.Role}
}
