package ws

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"messaging-service/internal/models"
)

func testContext(r *http.Request) *gin.Context {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = r
	return c
}

func TestBearerTokenFromHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/conversations/1", nil)
	req.Header.Set("Authorization", "Bearer abc123")

	assert.Equal(t, "abc123", bearerToken(testContext(req)))
}

func TestBearerTokenFromQueryFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/conversations/1?token=xyz", nil)

	assert.Equal(t, "xyz", bearerToken(testContext(req)))
}

func TestBearerTokenHeaderWinsOverQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/conversations/1?token=xyz", nil)
	req.Header.Set("Authorization", "Bearer abc123")

	assert.Equal(t, "abc123", bearerToken(testContext(req)))
}

func TestBearerTokenMalformedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/conversations/1", nil)
	req.Header.Set("Authorization", "Bearer")

	assert.Empty(t, bearerToken(testContext(req)))
}

func TestKindLabel(t *testing.T) {
	assert.Equal(t, "room", kindLabel(models.KindRoom))
	assert.Equal(t, "direct", kindLabel(models.KindDirect))
}

func TestNewConnIDIsUnique(t *testing.T) {
	first := newConnID()
	second := newConnID()

	assert.Len(t, first, 32)
	assert.NotEqual(t, first, second)
}
