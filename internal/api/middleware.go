package api

import (
	"strings"

	"factory-routing/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const ctxUserID = "user_id"

// Claims 访问令牌载荷，sub 即调用者 ID
// 令牌里的 roles 仅供展示，授权以身份服务返回的角色为准
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// TraceID 从请求头读取或生成 Trace ID，注入到请求 context 并回写响应头
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(util.TraceHeader)
		if traceID == "" {
			traceID = util.NewTraceID()
		}
		c.Request = c.Request.WithContext(util.ContextWithTraceID(c.Request.Context(), traceID))
		c.Writer.Header().Set(util.TraceHeader, traceID)
		c.Next()
	}
}

// JWTAuth 校验 Bearer 令牌
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var tokenString string
		authHeader := c.GetHeader("Authorization")
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
			tokenString = parts[1]
		}
		if tokenString == "" {
			unauthorized(c, "Authorization is required")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			unauthorized(c, "Invalid or expired token")
			return
		}
		if claims.Subject == "" {
			unauthorized(c, "Invalid token claims")
			return
		}

		c.Set(ctxUserID, claims.Subject)
		c.Next()
	}
}

// callerID 当前请求的调用者
func callerID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}
