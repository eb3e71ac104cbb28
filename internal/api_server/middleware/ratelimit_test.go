package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetyard/fleetyard/internal/auth"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallIPRateLimiter(t *testing.T) {
	// Helper function to create a fresh router with an isolated rate limiter for each test
	createRouter := func(requests int) *chi.Mux {
		router := chi.NewRouter()
		router.Group(func(r chi.Router) {
			InstallIPRateLimiter(r, RateLimitOptions{
				Requests:       requests,
				Window:         time.Minute,
				Message:        "Rate limit exceeded, please try again later",
				TrustedProxies: []string{"10.0.0.0/8"},
			})
			r.Post("/webhooks/registry", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		})
		return router
	}

	t.Run("requests beyond the limit are rejected", func(t *testing.T) {
		router := createRouter(5)

		for i := 0; i < 8; i++ {
			req := httptest.NewRequest("POST", "/webhooks/registry", nil)
			req.RemoteAddr = "192.168.1.100:12345"
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if i < 5 {
				assert.Equal(t, http.StatusOK, w.Code, "request %d should succeed", i+1)
				assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
				assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
			} else {
				assert.Equal(t, http.StatusTooManyRequests, w.Code, "request %d should be rate limited", i+1)
				assert.NotEmpty(t, w.Header().Get("Retry-After"))

				var response map[string]interface{}
				err := json.Unmarshal(w.Body.Bytes(), &response)
				require.NoError(t, err)
				assert.Equal(t, float64(429), response["code"])
				assert.Equal(t, "Rate limit exceeded, please try again later", response["message"])
				assert.Equal(t, "TooManyRequests", response["reason"])
			}
		}
	})

	t.Run("different IPs have separate rate limits", func(t *testing.T) {
		router := createRouter(2)

		for i := 0; i < 10; i++ {
			req := httptest.NewRequest("POST", "/webhooks/registry", nil)
			req.RemoteAddr = fmt.Sprintf("192.168.1.%d:12345", i+1)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code, "request %d should succeed", i+1)
		}
	})

	t.Run("forwarded client IP is used when the peer is trusted", func(t *testing.T) {
		router := createRouter(1)

		// Two different end clients behind the same trusted proxy get separate budgets
		req1 := httptest.NewRequest("POST", "/webhooks/registry", nil)
		req1.RemoteAddr = "10.0.0.1:12345"
		req1.Header.Set("X-Forwarded-For", "203.0.113.1")
		w1 := httptest.NewRecorder()
		router.ServeHTTP(w1, req1)
		assert.Equal(t, http.StatusOK, w1.Code)

		req2 := httptest.NewRequest("POST", "/webhooks/registry", nil)
		req2.RemoteAddr = "10.0.0.1:12345"
		req2.Header.Set("X-Forwarded-For", "203.0.113.2")
		w2 := httptest.NewRecorder()
		router.ServeHTTP(w2, req2)
		assert.Equal(t, http.StatusOK, w2.Code)

		// Same end client again exceeds its budget
		req3 := httptest.NewRequest("POST", "/webhooks/registry", nil)
		req3.RemoteAddr = "10.0.0.1:12345"
		req3.Header.Set("X-Forwarded-For", "203.0.113.1")
		w3 := httptest.NewRecorder()
		router.ServeHTTP(w3, req3)
		assert.Equal(t, http.StatusTooManyRequests, w3.Code)
	})
}

func TestTrustedRealIP(t *testing.T) {
	// Router that echoes the RemoteAddr the middleware left behind
	createRouter := func(trustedProxies []string) *chi.Mux {
		router := chi.NewRouter()
		router.Use(TrustedRealIP(trustedProxies))
		router.Get("/test", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(r.RemoteAddr))
		})
		return router
	}

	t.Run("forwarded headers from untrusted peer do not change client IP", func(t *testing.T) {
		router := createRouter([]string{"10.0.0.0/8"})

		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "172.16.0.1:12345"
		req.Header.Set("X-Forwarded-For", "203.0.113.1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "172.16.0.1:12345", w.Body.String())
	})

	t.Run("forwarded headers from trusted proxy apply", func(t *testing.T) {
		router := createRouter([]string{"10.0.0.0/8"})

		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		req.Header.Set("X-Forwarded-For", "203.0.113.1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "203.0.113.1", w.Body.String())
	})

	t.Run("True-Client-IP takes priority over X-Real-IP and X-Forwarded-For", func(t *testing.T) {
		router := createRouter([]string{"10.0.0.0/8"})

		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		req.Header.Set("True-Client-IP", "203.0.113.1")
		req.Header.Set("X-Real-IP", "203.0.113.2")
		req.Header.Set("X-Forwarded-For", "203.0.113.3")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "203.0.113.1", w.Body.String())
	})

	t.Run("X-Forwarded-For with multiple IPs uses the first one", func(t *testing.T) {
		router := createRouter([]string{"10.0.0.0/8"})

		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		req.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.2, 10.0.0.1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "203.0.113.1", w.Body.String())
	})

	t.Run("literal IP entries are treated as single-host networks", func(t *testing.T) {
		router := createRouter([]string{"10.0.0.1"})

		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		req.Header.Set("X-Real-IP", "203.0.113.1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "203.0.113.1", w.Body.String())

		// Neighboring address is not covered by the literal entry
		req2 := httptest.NewRequest("GET", "/test", nil)
		req2.RemoteAddr = "10.0.0.2:12345"
		req2.Header.Set("X-Real-IP", "203.0.113.1")
		w2 := httptest.NewRecorder()
		router.ServeHTTP(w2, req2)

		assert.Equal(t, http.StatusOK, w2.Code)
		assert.Equal(t, "10.0.0.2:12345", w2.Body.String())
	})

	t.Run("invalid header values leave RemoteAddr untouched", func(t *testing.T) {
		router := createRouter([]string{"10.0.0.0/8"})

		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		req.Header.Set("X-Forwarded-For", "not-an-ip")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "10.0.0.1:12345", w.Body.String())
	})

	t.Run("empty and invalid proxy entries are skipped", func(t *testing.T) {
		router := createRouter([]string{"", "   ", "not-a-cidr/99", "10.0.0.0/8"})

		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		req.Header.Set("X-Real-IP", "203.0.113.1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "203.0.113.1", w.Body.String())
	})
}

func TestDeviceKeyRateLimiter(t *testing.T) {
	deviceUuid1 := uuid.New()
	deviceUuid2 := uuid.New()

	// Middleware standing in for the authenticator: picks the device record
	// from a query parameter and stores it on the context
	injectDevice := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			switch r.URL.Query().Get("device") {
			case "one":
				ctx = auth.WithDevice(ctx, &store.DeviceAuthRecord{DeviceUuid: deviceUuid1, Name: "sensor-1", IsActive: true})
			case "two":
				ctx = auth.WithDevice(ctx, &store.DeviceAuthRecord{DeviceUuid: deviceUuid2, Name: "sensor-2", IsActive: true})
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	t.Run("authenticated devices have separate rate limits", func(t *testing.T) {
		router := chi.NewRouter()
		router.Use(injectDevice)
		router.Use(DeviceKeyRateLimiter(1, time.Minute, "Rate limit exceeded, please slow down polling"))
		router.Get("/devices/target", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		// Both devices poll from the same IP; each gets its own budget
		req1 := httptest.NewRequest("GET", "/devices/target?device=one", nil)
		req1.RemoteAddr = "192.168.1.100:12345"
		w1 := httptest.NewRecorder()
		router.ServeHTTP(w1, req1)
		assert.Equal(t, http.StatusOK, w1.Code)

		req2 := httptest.NewRequest("GET", "/devices/target?device=two", nil)
		req2.RemoteAddr = "192.168.1.100:12345"
		w2 := httptest.NewRecorder()
		router.ServeHTTP(w2, req2)
		assert.Equal(t, http.StatusOK, w2.Code)

		// Second poll from the first device exceeds its budget
		req3 := httptest.NewRequest("GET", "/devices/target?device=one", nil)
		req3.RemoteAddr = "192.168.1.100:12345"
		w3 := httptest.NewRecorder()
		router.ServeHTTP(w3, req3)
		assert.Equal(t, http.StatusTooManyRequests, w3.Code)

		var response map[string]interface{}
		err := json.Unmarshal(w3.Body.Bytes(), &response)
		require.NoError(t, err)
		assert.Equal(t, float64(429), response["code"])
		assert.Equal(t, "Rate limit exceeded, please slow down polling", response["message"])
		assert.Equal(t, "TooManyRequests", response["reason"])
	})

	t.Run("falls back to client IP without an authenticated device", func(t *testing.T) {
		router := chi.NewRouter()
		router.Use(DeviceKeyRateLimiter(1, time.Minute, "Rate limit exceeded, please slow down polling"))
		router.Get("/devices/target", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		req1 := httptest.NewRequest("GET", "/devices/target", nil)
		req1.RemoteAddr = "192.168.1.100:12345"
		w1 := httptest.NewRecorder()
		router.ServeHTTP(w1, req1)
		assert.Equal(t, http.StatusOK, w1.Code)

		req2 := httptest.NewRequest("GET", "/devices/target", nil)
		req2.RemoteAddr = "192.168.1.100:12345"
		w2 := httptest.NewRecorder()
		router.ServeHTTP(w2, req2)
		assert.Equal(t, http.StatusTooManyRequests, w2.Code)

		// A different IP is unaffected
		req3 := httptest.NewRequest("GET", "/devices/target", nil)
		req3.RemoteAddr = "192.168.1.101:12345"
		w3 := httptest.NewRecorder()
		router.ServeHTTP(w3, req3)
		assert.Equal(t, http.StatusOK, w3.Code)
	})
}
