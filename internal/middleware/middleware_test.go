package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/docqa/internal/access"
	"github.com/xxxsen/docqa/internal/pkg/errcode"
	"github.com/xxxsen/docqa/internal/pkg/jwt"
)

var testSecret = []byte("middleware-secret")

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	handler := func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	}
	r.GET("/projects/:project_id/files", handler)
	r.GET("/ping", handler)
	return r
}

func TestJWTAuth(t *testing.T) {
	r := newRouter(JWTAuth(testSecret))
	valid, err := jwt.GenerateToken("u1", testSecret, time.Hour)
	require.NoError(t, err)
	expired, err := jwt.GenerateToken("u1", testSecret, -time.Minute)
	require.NoError(t, err)
	foreign, err := jwt.GenerateToken("u1", []byte("other"), time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer " + valid, "u1"},
		{"lower case scheme", "bearer " + valid, "u1"},
		{"missing", "", ""},
		{"wrong scheme", "Basic " + valid, ""},
		{"expired", "Bearer " + expired, ""},
		{"wrong secret", "Bearer " + foreign, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)
			if tt.want == "" {
				var body struct {
					Code int `json:"code"`
				}
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				require.Equal(t, errcode.ErrUnauthorized, body.Code)
				return
			}
			require.Equal(t, tt.want, w.Body.String())
		})
	}
}

func TestRequestID(t *testing.T) {
	r := newRouter(RequestID())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	r.ServeHTTP(w, req)
	require.Equal(t, "abc-123", w.Header().Get("X-Request-Id"))
}

type errGate struct{}

func (errGate) CanUpload(ctx context.Context, userID, projectID string) (bool, error) {
	return false, errors.New("membership service down")
}

func (errGate) CanRead(ctx context.Context, userID, projectID string) (bool, error) {
	return false, errors.New("membership service down")
}

func TestProjectAccess(t *testing.T) {
	setUser := func(uid string) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set(ContextUserIDKey, uid)
			c.Next()
		}
	}
	gate := access.NewStaticGate(map[string][]string{"p1": {"u1"}})

	tests := []struct {
		name    string
		gate    access.Gate
		user    string
		project string
		allowed bool
	}{
		{"member", gate, "u1", "p1", true},
		{"outsider", gate, "u2", "p1", false},
		{"unknown project", gate, "u1", "p2", false},
		{"gate error", errGate{}, "u1", "p1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(setUser(tt.user), ProjectAccess(tt.gate, access.ActionRead))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/projects/"+tt.project+"/files", nil))
			if tt.allowed {
				require.Equal(t, tt.user, w.Body.String())
				return
			}
			require.NotEqual(t, tt.user, w.Body.String())
		})
	}
}

func TestCORS(t *testing.T) {
	r := newRouter(CORS([]string{"https://app.example.com"}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	r.ServeHTTP(w, req)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
