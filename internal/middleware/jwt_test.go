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

func newRouter(auth gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", auth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(UserIDKey)})
	})
	return router
}

func bearer(t *testing.T, secret, userID string, ttl time.Duration) string {
	t.Helper()
	token, err := IssueToken(secret, userID, ttl)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestAuth(t *testing.T) {
	noneToken := jwt.NewWithClaims(jwt.SigningMethodNone, JWTClaims{UserID: "mallory"})
	unsigned, err := noneToken.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name         string
		header       string
		wantRequired int
		wantOptional int
		wantUser     string
	}{
		{"no header", "", http.StatusUnauthorized, http.StatusOK, ""},
		{"valid token", bearer(t, testSecret, "alice", time.Hour), http.StatusOK, http.StatusOK, "alice"},
		{"expired token", bearer(t, testSecret, "alice", -time.Hour), http.StatusUnauthorized, http.StatusUnauthorized, ""},
		{"wrong secret", bearer(t, "other", "alice", time.Hour), http.StatusUnauthorized, http.StatusUnauthorized, ""},
		{"unsigned token", "Bearer " + unsigned, http.StatusUnauthorized, http.StatusUnauthorized, ""},
		{"not bearer", "Token abc", http.StatusUnauthorized, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, mode := range []struct {
				auth gin.HandlerFunc
				want int
			}{
				{JWTAuth(testSecret), tt.wantRequired},
				{OptionalJWTAuth(testSecret), tt.wantOptional},
			} {
				req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
				if tt.header != "" {
					req.Header.Set("Authorization", tt.header)
				}
				w := httptest.NewRecorder()
				newRouter(mode.auth).ServeHTTP(w, req)

				assert.Equal(t, mode.want, w.Code)
				if w.Code == http.StatusOK {
					assert.JSONEq(t, `{"user_id":"`+tt.wantUser+`"}`, w.Body.String())
				}
			}
		})
	}
}
