package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestJWTMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name     string
		audience string
		header   string
		wantCode int
		wantBody string
	}{
		{
			name:     "valid token",
			header:   "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: exp}),
			wantCode: http.StatusOK,
			wantBody: "user-1",
		},
		{
			name:     "missing header",
			wantCode: http.StatusUnauthorized,
			wantBody: "authorization header required",
		},
		{
			name:     "wrong scheme",
			header:   "Basic abc",
			wantCode: http.StatusUnauthorized,
			wantBody: "invalid authorization header",
		},
		{
			name:     "wrong secret",
			header:   "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: exp}),
			wantCode: http.StatusUnauthorized,
			wantBody: "invalid token",
		},
		{
			name:     "other hmac algorithm",
			header:   "Bearer " + sign(t, jwt.SigningMethodHS512, []byte(secret), jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: exp}),
			wantCode: http.StatusUnauthorized,
			wantBody: "invalid token",
		},
		{
			name:     "expired",
			header:   "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}),
			wantCode: http.StatusUnauthorized,
			wantBody: "invalid token",
		},
		{
			name:     "missing subject",
			header:   "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.RegisteredClaims{ExpiresAt: exp}),
			wantCode: http.StatusUnauthorized,
			wantBody: "missing subject",
		},
		{
			name:     "audience mismatch",
			audience: "facematch",
			header:   "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.RegisteredClaims{Subject: "user-1", Audience: jwt.ClaimStrings{"other"}, ExpiresAt: exp}),
			wantCode: http.StatusUnauthorized,
			wantBody: "invalid audience",
		},
		{
			name:     "audience match",
			audience: "facematch",
			header:   "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.RegisteredClaims{Subject: "user-2", Audience: jwt.ClaimStrings{"facematch"}, ExpiresAt: exp}),
			wantCode: http.StatusOK,
			wantBody: "user-2",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			router.GET("/me", JWTMiddleware(secret, tc.audience), func(c *gin.Context) {
				userID, ok := GetUserID(c.Request.Context())
				if !ok {
					c.Status(http.StatusInternalServerError)
					return
				}
				c.String(http.StatusOK, userID)
			})

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			if resp.Code != tc.wantCode {
				t.Fatalf("expected status %d, got %d (%s)", tc.wantCode, resp.Code, resp.Body.String())
			}
			if !strings.Contains(resp.Body.String(), tc.wantBody) {
				t.Fatalf("expected body to contain %q, got %q", tc.wantBody, resp.Body.String())
			}
		})
	}
}
