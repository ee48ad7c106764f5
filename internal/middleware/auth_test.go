package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/auth"
)

func setupAuthRouter(tokens *auth.Service) (*gin.Engine, *int) {
	gin.SetMode(gin.TestMode)
	seenUserID := new(int)
	r := gin.New()
	r.GET("/protected", AuthMiddleware(tokens), func(c *gin.Context) {
		*seenUserID = c.GetInt("userID")
		c.Status(http.StatusOK)
	})
	return r, seenUserID
}

func TestAuthMiddlewareAcceptsBearerToken(t *testing.T) {
	tokens := auth.NewService("test-secret")
	router, seenUserID := setupAuthRouter(tokens)

	token, err := tokens.Issue(7, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, *seenUserID)
}

func TestAuthMiddlewareMissingHeader(t *testing.T) {
	router, _ := setupAuthRouter(auth.NewService("test-secret"))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareMalformedHeader(t *testing.T) {
	router, _ := setupAuthRouter(auth.NewService("test-secret"))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Token abc")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareInvalidToken(t *testing.T) {
	router, _ := setupAuthRouter(auth.NewService("test-secret"))

	token, err := auth.NewService("other-secret").Issue(7, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
