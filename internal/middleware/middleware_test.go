package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimiterBlocksBurstOverflow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for range 3 {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("other client limited: %d", w.Code)
	}
}

func TestCompressEncodesLargeTextResponses(t *testing.T) {
	r := gin.New()
	r.Use(Compress(CompressionConfig{Quality: 4, MinLength: 64}))
	body := strings.Repeat("answer ", 600)
	r.GET("/big", func(c *gin.Context) { c.String(http.StatusOK, body) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/big", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	r.ServeHTTP(w, req)
	if w.Header().Get("Content-Encoding") != "br" || w.Body.Len() >= len(body) {
		t.Fatalf("large body not compressed: encoding=%q len=%d", w.Header().Get("Content-Encoding"), w.Body.Len())
	}
	decoded, err := io.ReadAll(brotli.NewReader(w.Body))
	if err != nil || string(decoded) != body {
		t.Fatalf("decoded body mismatch: err=%v len=%d", err, len(decoded))
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/small", nil)
	req.Header.Set("Accept-Encoding", "br")
	r.ServeHTTP(w, req)
	if w.Header().Get("Content-Encoding") != "" || w.Body.String() != "ok" {
		t.Fatalf("small body altered: encoding=%q body=%q", w.Header().Get("Content-Encoding"), w.Body.String())
	}
}

func TestCompressPassesThroughStreamsAndOtherTypes(t *testing.T) {
	r := gin.New()
	r.Use(Compress(CompressionConfig{Quality: 4, MinLength: 64}))
	big := strings.Repeat("x", 4096)
	r.GET("/events", func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.String(http.StatusOK, big)
	})
	r.GET("/blob", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/octet-stream", []byte(big))
	})

	for _, path := range []string{"/events", "/blob"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Accept-Encoding", "br")
		r.ServeHTTP(w, req)
		if w.Header().Get("Content-Encoding") != "" || w.Body.String() != big {
			t.Fatalf("%s altered: encoding=%q len=%d", path, w.Header().Get("Content-Encoding"), w.Body.Len())
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events", nil))
	if w.Header().Get("Vary") != "" || w.Body.String() != big {
		t.Fatalf("request without br touched: vary=%q", w.Header().Get("Vary"))
	}
}
