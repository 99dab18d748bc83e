package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"chat_backend/internal/config"
	"chat_backend/internal/domain"
	apperrors "chat_backend/pkg/errors"
	"chat_backend/pkg/logger"
)

const identityContextKey = "identity"

// Identity — проверенные утверждения внешнего сервиса идентификации.
// Этот сервис токены не выпускает, только проверяет подпись и срок.
type Identity struct {
	UserID       string
	Role         string
	ReadReceipts bool
}

type identityClaims struct {
	Role         string `json:"role"`
	ReadReceipts *bool  `json:"read_receipts,omitempty"`
	jwt.RegisteredClaims
}

type IdentityMiddleware struct {
	cfg *config.AuthConfig
	log logger.Logger
}

func NewIdentityMiddleware(cfg *config.AuthConfig, log logger.Logger) *IdentityMiddleware {
	return &IdentityMiddleware{cfg: cfg, log: log}
}

// RequireAuth проверяет Bearer-токен; для websocket допускается query-параметр
// token, поскольку браузеры не передают заголовки при upgrade.
func (m *IdentityMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := tokenFromRequest(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": apperrors.ErrUnauthorized.Error()})
			return
		}

		identity, err := m.parse(raw)
		if err != nil {
			m.log.Debug("Token rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": apperrors.ErrInvalidToken.Error()})
			return
		}

		c.Set(identityContextKey, identity)
		c.Next()
	}
}

func (m *IdentityMiddleware) parse(raw string) (*Identity, error) {
	claims := &identityClaims{}

	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(m.cfg.JWTSecret), nil
	}, jwt.WithIssuer(m.cfg.Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, apperrors.ErrInvalidToken
	}
	if !domain.ValidUserID(claims.Subject) {
		return nil, fmt.Errorf("%w: malformed subject", apperrors.ErrInvalidToken)
	}

	role := claims.Role
	if role != domain.RoleInitiator && role != domain.RoleCounterpart {
		return nil, fmt.Errorf("%w: unknown role %q", apperrors.ErrInvalidToken, role)
	}

	// Отметки о прочтении включены по умолчанию.
	readReceipts := true
	if claims.ReadReceipts != nil {
		readReceipts = *claims.ReadReceipts
	}

	return &Identity{
		UserID:       claims.Subject,
		Role:         role,
		ReadReceipts: readReceipts,
	}, nil
}

func tokenFromRequest(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

// CurrentIdentity достает личность запроса, положенную RequireAuth.
func CurrentIdentity(c *gin.Context) (*Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return nil, false
	}
	identity, ok := value.(*Identity)
	return identity, ok
}
