package middleware

import (
	stderrors "errors"
	"strings"
	"time"

	constants "Mamori/pkg/constant"
	"Mamori/pkg/errors"
	"Mamori/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var errUnauthenticated = errors.Sentinel(errors.CodeUnauthenticated, "authentication required")

// Claims 访问令牌声明，Subject 为用户ID
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Principal 已认证的调用方
type Principal struct {
	UserID string
	Role   string
}

// ParseToken 校验 HS256 令牌并返回调用方
func ParseToken(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, stderrors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, stderrors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, stderrors.New("subject claim required")
	}
	return Principal{UserID: claims.Subject, Role: claims.Role}, nil
}

// IssueToken 签发令牌，ttl<=0 时不设过期
func IssueToken(secret, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Role: role,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware 从 Authorization: Bearer 或 ?token= （浏览器 WebSocket 无法设置请求头）解析调用方，
// 写入 constants.UserField / constants.RoleField
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
			t, ok := bearerToken(authz)
			if !ok {
				response.Error(c, errUnauthenticated)
				return
			}
			token = t
		} else {
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			response.Error(c, errUnauthenticated)
			return
		}

		p, err := ParseToken(token, secret)
		if err != nil {
			response.Error(c, errors.WithCode(errors.CodeUnauthenticated, "invalid credentials"))
			return
		}
		c.Set(constants.UserField, p.UserID)
		c.Set(constants.RoleField, p.Role)
		c.Next()
	}
}

// CurrentUserID 当前请求的用户ID
func CurrentUserID(c *gin.Context) string {
	return c.GetString(constants.UserField)
}
