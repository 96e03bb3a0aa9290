package middleware

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/d60-Lab/timeline-fanout/config"
	"github.com/d60-Lab/timeline-fanout/pkg/response"
)

// AccountIDKey gin 上下文中当前账户 ID 的键
const AccountIDKey = "account_id"

var errBadSubject = errors.New("token subject is not an account id")

// IssueToken 签发 HS256 令牌，sub 为账户 ID
func IssueToken(cfg config.AuthConfig, accountID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(accountID, 10),
		Issuer:    cfg.JWTIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
}

func parseToken(cfg config.AuthConfig, raw string) (int64, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(cfg.JWTSecret), nil
	}, opts...); err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadSubject
	}
	return id, nil
}

// JWT 校验 Bearer 令牌并把账户 ID 写入上下文
func JWT(cfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			response.Unauthorized(c, "missing bearer token")
			return
		}
		id, err := parseToken(cfg, raw)
		if err != nil {
			response.Unauthorized(c, err.Error())
			return
		}
		c.Set(AccountIDKey, id)
		c.Next()
	}
}

// AccountID 当前请求的账户；未经过 JWT 中间件时为 0
func AccountID(c *gin.Context) int64 {
	return c.GetInt64(AccountIDKey)
}
