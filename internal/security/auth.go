// Package security authenticates operator actions against the control
// surface. Mutating endpoints require a bearer credential: either a
// configured static operator token or a signed operator JWT.
package security

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// ErrUnauthorized covers a missing, malformed, or mismatched credential.
var ErrUnauthorized = errors.New("security: invalid operator credential")

// Config holds operator authentication configuration.
type Config struct {
	OperatorTokens []string      `yaml:"operator_tokens"`
	JWTSecret      string        `yaml:"jwt_secret"`
	JWTExpiry      time.Duration `yaml:"jwt_expiry"`
}

// OperatorClaims are the JWT claims for an operator token.
type OperatorClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// Authenticator validates bearer credentials on control endpoints.
type Authenticator struct {
	config *Config
	logger *logrus.Logger
}

func NewAuthenticator(config *Config, logger *logrus.Logger) *Authenticator {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 12 * time.Hour
	}
	return &Authenticator{config: config, logger: logger}
}

// Authenticate validates a bearer token and returns the operator identity.
func (a *Authenticator) Authenticate(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	// Constant-time compare against every configured token to avoid timing
	// side channels.
	for _, valid := range a.config.OperatorTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(valid)) == 1 {
			return "operator", nil
		}
	}
	if a.config.JWTSecret != "" {
		if claims, err := a.ValidateJWT(token); err == nil {
			return claims.Operator, nil
		}
	}
	return "", ErrUnauthorized
}

// GenerateJWT issues a signed operator token.
func (a *Authenticator) GenerateJWT(operator string) (string, error) {
	now := time.Now()
	claims := &OperatorClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "genroute",
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateJWT parses and verifies an operator JWT.
func (a *Authenticator) ValidateJWT(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.config.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

type contextKey string

// OperatorKey carries the authenticated operator identity in the request
// context.
const OperatorKey contextKey = "operator"

// Middleware rejects requests without a valid bearer credential. Failures
// are logged and produce no state change.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r)
			operator, err := a.Authenticate(token)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"path":        r.URL.Path,
					"method":      r.Method,
					"remote_addr": r.RemoteAddr,
				}).Warn("Operator authentication failed")
				writeUnauthorized(w)
				return
			}
			ctx := withOperator(r.Context(), operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": "invalid operator credential",
			"type":    "authorization_error",
			"code":    http.StatusUnauthorized,
		},
	})
}
