package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(secret))
	r.GET("/who", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.GetString(ContextUserID), "name": c.GetString(ContextUsername)})
	})
	return r
}

func do(r http.Handler, target, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthAcceptsBearerAndQueryToken(t *testing.T) {
	r := newRouter(testSecret)
	token, _, err := SignAccessToken(testSecret, "42", "ada", time.Minute)
	require.NoError(t, err)

	w := do(r, "/who", "bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"42","name":"ada"}`, w.Body.String())

	w = do(r, "/who?token="+token, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRejects(t *testing.T) {
	r := newRouter(testSecret)

	w := do(r, "/who", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHENTICATED")

	other, _, _ := SignAccessToken("other-secret", "42", "ada", time.Minute)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/who", "Bearer "+other).Code)

	expired, _, _ := SignAccessToken(testSecret, "42", "ada", -time.Minute)
	w = do(r, "/who", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token expired")

	refresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Type:             "refresh",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "42", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	w = do(r, "/who", "Bearer "+refresh)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "access token required")
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	w := do(newRouter(""), "/who", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"","name":""}`, w.Body.String())
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{Type: "access"}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = ParseToken(testSecret, token)
	assert.Error(t, err)
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "abc", extractBearer("Bearer abc"))
	assert.Equal(t, "abc", extractBearer("BEARER  abc "))
	assert.Empty(t, extractBearer("Basic abc"))
	assert.Empty(t, extractBearer("Bearer "))
}
