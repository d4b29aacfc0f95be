package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func doRequest(router http.Handler, method, path, remoteAddr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	router.ServeHTTP(w, req)
	return w
}

func limitedRouter(rl *RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(RateLimitMiddleware(rl))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestGetLimiter(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)

	limiter1 := rl.getLimiter("192.168.1.1")
	if limiter1 == nil {
		t.Fatal("getLimiter returned nil")
	}
	if rl.getLimiter("192.168.1.1") != limiter1 {
		t.Error("getLimiter should return the same limiter for the same IP")
	}
	if rl.getLimiter("192.168.1.2") == limiter1 {
		t.Error("getLimiter should return different limiters for different IPs")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		requestCount   int
		rateLimit      rate.Limit
		burst          int
		expectedStatus int
	}{
		{"under limit", 5, rate.Limit(10), 10, http.StatusOK},
		{"at burst limit", 10, rate.Limit(1), 10, http.StatusOK},
		{"over limit", 15, rate.Limit(1), 10, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := limitedRouter(NewRateLimiter(tt.rateLimit, tt.burst))

			var last *httptest.ResponseRecorder
			for i := 0; i < tt.requestCount; i++ {
				last = doRequest(router, "GET", "/test", "192.168.1.100:12345")
			}
			if last.Code != tt.expectedStatus {
				t.Errorf("Expected final status %d, got %d", tt.expectedStatus, last.Code)
			}
		})
	}
}

func TestRateLimitMiddlewareErrorResponse(t *testing.T) {
	router := limitedRouter(NewRateLimiter(rate.Limit(1), 1))

	if w := doRequest(router, "GET", "/test", "192.168.1.100:12345"); w.Code != http.StatusOK {
		t.Errorf("First request should succeed, got status %d", w.Code)
	}
	w := doRequest(router, "GET", "/test", "192.168.1.100:12345")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Second request should be rate limited, got status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Rate limit exceeded") || !strings.Contains(w.Body.String(), `"status":"error"`) {
		t.Errorf("Unexpected rate limit body: %s", w.Body.String())
	}

	// other clients keep their own bucket
	if w := doRequest(router, "GET", "/test", "192.168.1.101:12345"); w.Code != http.StatusOK {
		t.Errorf("Other IP should succeed, got status %d", w.Code)
	}
}

func TestEvictIdle(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.getLimiter("10.0.0.1")
	now = now.Add(limiterIdleTTL / 2)
	rl.getLimiter("10.0.0.2")
	now = now.Add(limiterIdleTTL/2 + time.Second)

	if n := rl.evictIdle(); n != 1 {
		t.Errorf("Expected 1 eviction, got %d", n)
	}
	rl.mu.Lock()
	_, kept := rl.visitors["10.0.0.2"]
	count := len(rl.visitors)
	rl.mu.Unlock()
	if !kept || count != 1 {
		t.Errorf("Expected only the recent visitor to remain, have %d", count)
	}
}

func TestMaxBytesMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		maxBytes       int64
		bodySize       int
		chunked        bool
		expectedStatus int
	}{
		{"under limit", 1024, 512, false, http.StatusOK},
		{"at limit", 1024, 1024, false, http.StatusOK},
		{"over limit by content-length", 1024, 2048, false, http.StatusRequestEntityTooLarge},
		{"over limit without content-length", 1024, 2048, true, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(MaxBytesMiddleware(tt.maxBytes))
			router.POST("/test", func(c *gin.Context) {
				if _, err := c.GetRawData(); err != nil {
					c.Status(http.StatusRequestEntityTooLarge)
					return
				}
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", "/test", strings.NewReader(strings.Repeat("x", tt.bodySize)))
			if tt.chunked {
				req.ContentLength = -1
			}
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestAdminAuth(t *testing.T) {
	newRouter := func(token string) *gin.Engine {
		router := gin.New()
		router.GET("/admin", AdminAuth(token), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
		return router
	}

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"valid token", "s3cret", "Bearer s3cret", http.StatusOK},
		{"wrong token", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"basic auth", "s3cret", "Basic s3cret", http.StatusUnauthorized},
		{"disabled", "", "Bearer ", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			newRouter(tt.token).ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}
