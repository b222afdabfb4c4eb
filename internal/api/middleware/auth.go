package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
)

const (
	// AuthorizationHeader is the header name for authorization
	AuthorizationHeader = "Authorization"
	// UserIDKey is the context key for user ID
	UserIDKey = "user_id"
)

// AuthConfig holds bearer token settings
type AuthConfig struct {
	Secret []byte
	Issuer string
	Leeway time.Duration
}

// Authenticator verifies HS256 bearer tokens. The token subject becomes the
// request's user id.
type Authenticator struct {
	config AuthConfig
	logger logger.Interface
}

// NewAuthenticator creates an authenticator
func NewAuthenticator(config AuthConfig, log logger.Interface) (*Authenticator, error) {
	if len(config.Secret) < 32 {
		return nil, errors.NewValidationError("jwt_secret", "<redacted>", "must be at least 32 bytes")
	}
	if config.Leeway == 0 {
		config.Leeway = 30 * time.Second
	}
	return &Authenticator{
		config: config,
		logger: log.WithField("component", "auth"),
	}, nil
}

// IssueToken signs a token for subject valid for ttl
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.config.Secret)
}

// ValidateToken parses and verifies a signed token and returns its subject
func (a *Authenticator) ValidateToken(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.config.Leeway),
		jwt.WithExpirationRequired(),
	}
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return a.config.Secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// Auth rejects requests without a valid bearer token
func (a *Authenticator) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthorizationHeader)
		if authHeader == "" {
			unauthorized(c, "Authorization header is required")
			return
		}

		token, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || token == "" {
			unauthorized(c, "Invalid authorization header format")
			return
		}

		subject, err := a.ValidateToken(token)
		if err != nil {
			a.logger.WithFields(map[string]interface{}{
				"client_ip": c.ClientIP(),
				"path":      c.Request.URL.Path,
			}).WithError(err).Warn("Rejected bearer token")
			unauthorized(c, "Invalid or expired token")
			return
		}

		c.Set(UserIDKey, subject)
		c.Next()
	}
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": message,
	})
}

// GetUserID returns the user ID from the gin context
func GetUserID(c *gin.Context) string {
	if userID, exists := c.Get(UserIDKey); exists {
		return userID.(string)
	}
	return ""
}
