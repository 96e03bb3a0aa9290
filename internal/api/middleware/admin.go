package middleware

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/d60-Lab/timeline-fanout/config"
	"github.com/d60-Lab/timeline-fanout/pkg/response"
)

// AdminTokenHeader 管理接口令牌头
const AdminTokenHeader = "X-Admin-Token"

// Admin 用 bcrypt 校验管理令牌；未配置 token_hash 时拒绝所有请求
func Admin(cfg config.AdminConfig) gin.HandlerFunc {
	hash := []byte(cfg.TokenHash)
	return func(c *gin.Context) {
		token := c.GetHeader(AdminTokenHeader)
		if len(hash) == 0 || token == "" {
			response.Forbidden(c, "admin token required")
			return
		}
		if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
			response.Forbidden(c, "invalid admin token")
			return
		}
		c.Next()
	}
}

// HashAdminToken 生成写入配置的 token_hash
func HashAdminToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(b), err
}
