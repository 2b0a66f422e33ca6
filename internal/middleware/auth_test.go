package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"gcpool/internal/httputil"
)

func newRouter(t *testing.T, verify Verifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(httputil.RequestID(), Logger(zaptest.NewLogger(t)))
	r.GET("/x", AuthRequired(verify), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(BearerLabelKey))
	})
	return r
}

func TestAuthRequired(t *testing.T) {
	r := newRouter(t, StaticKey("admin-key", "admin"))

	cases := []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer", http.StatusUnauthorized},
		{"Basic admin-key", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Bearer admin-key", http.StatusOK},
		{"bearer admin-key", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.status {
			t.Fatalf("%q: ожидался статус %d, получен %d", tc.header, tc.status, w.Code)
		}
		if tc.status == http.StatusOK && w.Body.String() != "admin" {
			t.Fatalf("метка клиента не передана: %q", w.Body.String())
		}
		if w.Header().Get(httputil.RequestIDHeader) == "" {
			t.Fatal("ответ должен содержать идентификатор запроса")
		}
	}
}

func TestRequestIDPassthrough(t *testing.T) {
	r := newRouter(t, StaticKey("k", "l"))
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(httputil.RequestIDHeader, "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(httputil.RequestIDHeader); got != "req-1" {
		t.Fatalf("ожидался req-1, получено %q", got)
	}
}
