package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth 校验静态 API 密钥。
// 密钥在进程启动时从配置加载，运行期间不变。
type APIKeyAuth struct {
	keys []string
}

// NewAPIKeyAuth 创建 API 密钥校验器
func NewAPIKeyAuth(keys []string) *APIKeyAuth {
	return &APIKeyAuth{keys: keys}
}

// Verify 校验给定密钥是否有效。
// 使用常数时间比较，避免通过响应时间推测密钥内容。
func (a *APIKeyAuth) Verify(key string) bool {
	if key == "" {
		return false
	}

	valid := false
	for _, candidate := range a.keys {
		if len(candidate) == len(key) &&
			subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			valid = true
		}
	}
	return valid
}

// RequireAPIKey 要求请求携带有效 API 密钥的 gin 中间件。
// 密钥从 X-API-Key 头或 Authorization: Bearer 头读取。
func (a *APIKeyAuth) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				key = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing API key",
			})
			c.Abort()
			return
		}

		if !a.Verify(key) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
