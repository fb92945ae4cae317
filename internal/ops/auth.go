package ops

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenIssuer   = "mastertrade"
	tokenAudience = "mastertrade-ops"
	ctxSubjectKey = "auth_subject"

	bcryptCost = 12
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims carried by an ops API access token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenMinter issues and validates the HS256 bearer tokens accepted by
// the ops API.
type TokenMinter struct {
	secret   []byte
	duration time.Duration
	now      func() time.Time
}

// NewTokenMinter creates a minter. duration <= 0 falls back to 24h.
func NewTokenMinter(secret string, duration time.Duration) *TokenMinter {
	if duration <= 0 {
		duration = 24 * time.Hour
	}
	return &TokenMinter{
		secret:   []byte(secret),
		duration: duration,
		now:      time.Now,
	}
}

// Mint signs a token for subject and returns it with its expiry.
func (tm *TokenMinter) Mint(subject string) (string, time.Time, error) {
	issued := tm.now().UTC()
	expires := issued.Add(tm.duration)

	claims := Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Validate parses a token string and verifies its signature and expiry.
func (tm *TokenMinter) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// HashAdminSecret produces the bcrypt hash expected in the server
// configuration for the admin secret.
func HashAdminSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash admin secret: %w", err)
	}
	return string(hash), nil
}

// authMiddleware rejects requests that do not carry a valid bearer
// token. Websocket dials from browsers cannot set headers, so the token
// is also accepted as a query parameter.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := ""
		header := c.GetHeader("Authorization")
		switch {
		case header != "":
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   true,
					"message": "Authorization header must be 'Bearer {token}'",
				})
				return
			}
			raw = parts[1]
		case c.Query("token") != "":
			raw = c.Query("token")
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   true,
				"message": "Authorization required",
			})
			return
		}

		claims, err := s.minter.Validate(raw)
		if err != nil {
			msg := "Invalid token"
			if errors.Is(err, ErrTokenExpired) {
				msg = "Token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   true,
				"message": msg,
			})
			return
		}

		c.Set(ctxSubjectKey, claims.Subject)
		c.Next()
	}
}

type tokenRequest struct {
	Secret string `json:"secret" binding:"required"`
}

// handleToken exchanges the admin secret for a bearer token.
func (s *Server) handleToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "secret is required")
		return
	}
	if s.cfg.AdminSecretHash == "" {
		errorResponse(c, http.StatusServiceUnavailable, "authentication is not configured")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminSecretHash), []byte(req.Secret)) != nil {
		s.logger.Warn().Str("remote", c.ClientIP()).Msg("Token request with wrong admin secret")
		errorResponse(c, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expires, err := s.minter.Mint("admin")
	if err != nil {
		s.logger.Error().Err(err).Msg("Token generation failed")
		errorResponse(c, http.StatusInternalServerError, "token generation failed")
		return
	}
	successResponse(c, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"expires_at": expires,
	})
}
