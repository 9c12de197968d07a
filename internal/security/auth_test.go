package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestAuthenticate_StaticTokens(t *testing.T) {
	auth := NewAuthenticator(&Config{
		OperatorTokens: []string{"token-a", "token-b"},
	}, testLogger())

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "first valid token", token: "token-a", wantErr: false},
		{name: "second valid token", token: "token-b", wantErr: false},
		{name: "unknown token", token: "token-c", wantErr: true},
		{name: "empty token", token: "", wantErr: true},
		{name: "prefix of valid token", token: "token-", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			operator, err := auth.Authenticate(tt.token)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnauthorized)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "operator", operator)
			}
		})
	}
}

func TestJWT_RoundTrip(t *testing.T) {
	auth := NewAuthenticator(&Config{
		JWTSecret: "test-secret",
		JWTExpiry: time.Hour,
	}, testLogger())

	token, err := auth.GenerateJWT("alice")
	require.NoError(t, err)

	claims, err := auth.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
	assert.Equal(t, "genroute", claims.Issuer)

	operator, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", operator)
}

func TestJWT_WrongSecretRejected(t *testing.T) {
	issuer := NewAuthenticator(&Config{JWTSecret: "secret-one"}, testLogger())
	verifier := NewAuthenticator(&Config{JWTSecret: "secret-two"}, testLogger())

	token, err := issuer.GenerateJWT("alice")
	require.NoError(t, err)

	_, err = verifier.ValidateJWT(token)
	assert.Error(t, err)
	_, err = verifier.Authenticate(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestJWT_ExpiredRejected(t *testing.T) {
	auth := NewAuthenticator(&Config{
		JWTSecret: "test-secret",
		JWTExpiry: -time.Hour,
	}, testLogger())

	token, err := auth.GenerateJWT("alice")
	require.NoError(t, err)

	_, err = auth.ValidateJWT(token)
	assert.Error(t, err)
}

func TestMiddleware_RejectsWithoutStateChange(t *testing.T) {
	auth := NewAuthenticator(&Config{OperatorTokens: []string{"good"}}, testLogger())

	invoked := false
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		invoked = true
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "no header", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic good", status: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer bad", status: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer good", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invoked = false
			req := httptest.NewRequest(http.MethodPost, "/v1/degrade", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.status == http.StatusOK, invoked)
		})
	}
}

func TestMiddleware_InjectsOperatorIdentity(t *testing.T) {
	auth := NewAuthenticator(&Config{JWTSecret: "test-secret"}, testLogger())
	token, err := auth.GenerateJWT("alice")
	require.NoError(t, err)

	var operator string
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator, _ = OperatorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/degrade", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "alice", operator)
}
