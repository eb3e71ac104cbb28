package middleware

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fleetyard/fleetyard/internal/auth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// RateLimitOptions configures rate limiting behavior
type RateLimitOptions struct {
	Requests       int
	Window         time.Duration
	Message        string
	TrustedProxies []string
}

// getClientIPFromRequest extracts the client IP from the request's RemoteAddr
// Returns the IP portion, falling back to the full RemoteAddr if parsing fails
func getClientIPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func rateLimitHandler(window time.Duration, message string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
		w.WriteHeader(http.StatusTooManyRequests)
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"code":    http.StatusTooManyRequests,
			"message": message,
			"reason":  "TooManyRequests",
		}); err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}
}

// IPRateLimiter creates an IP-based rate limiter.
// Note: Should be used with TrustedRealIP middleware for proper proxy handling
func IPRateLimiter(requests int, window time.Duration, message string) func(http.Handler) http.Handler {
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			// r.RemoteAddr is the real IP when TrustedRealIP ran first
			return getClientIPFromRequest(r), nil
		}),
		httprate.WithLimitHandler(rateLimitHandler(window, message)),
	)
}

// DeviceKeyRateLimiter creates a rate limiter keyed by the authenticated
// device, falling back to the client IP before authentication has run.
// Note: Should be used after the device key middleware
func DeviceKeyRateLimiter(requests int, window time.Duration, message string) func(http.Handler) http.Handler {
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if record, ok := auth.DeviceFromContext(r.Context()); ok {
				return fmt.Sprintf("device:%s", record.DeviceUuid), nil
			}
			return getClientIPFromRequest(r), nil
		}),
		httprate.WithLimitHandler(rateLimitHandler(window, message)),
	)
}

// InstallIPRateLimiter installs RealIP + IP-based rate limiter.
func InstallIPRateLimiter(r chi.Router, opts RateLimitOptions) {
	// Only trust X-Forwarded-For/X-Real-IP when the immediate peer is in one of these CIDRs
	if len(opts.TrustedProxies) > 0 {
		r.Use(TrustedRealIP(opts.TrustedProxies))
	}
	r.Use(IPRateLimiter(opts.Requests, opts.Window, opts.Message))
}

// TrustedRealIP middleware extracts the real client IP from trusted proxy headers.
// It only trusts X-Forwarded-For, X-Real-IP, and True-Client-IP headers when the
// immediate peer (r.RemoteAddr) is in the trustedProxies list.
// If the peer is not trusted, headers are silently ignored and r.RemoteAddr is used.
func TrustedRealIP(trustedProxies []string) func(http.Handler) http.Handler {
	// Pre-parse trusted proxy CIDRs and literal IPs once at middleware
	// construction time so the hot path stays allocation-free
	var trustedNets []*net.IPNet
	for _, entry := range trustedProxies {
		s := strings.TrimSpace(entry)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			if _, n, err := net.ParseCIDR(s); err == nil {
				trustedNets = append(trustedNets, n)
			}
			continue
		}
		if ip := net.ParseIP(s); ip != nil {
			// Convert literal IP to a single-host network
			if ip.To4() != nil {
				trustedNets = append(trustedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)})
			} else {
				trustedNets = append(trustedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)})
			}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(trustedNets) > 0 {
				host := getClientIPFromRequest(r)
				if peerIP := net.ParseIP(host); peerIP != nil {
					for _, trustedNet := range trustedNets {
						if trustedNet.Contains(peerIP) {
							// Peer is trusted, extract real IP from headers
							// Priority: True-Client-IP > X-Real-IP > X-Forwarded-For
							if tc := strings.TrimSpace(r.Header.Get("True-Client-IP")); tc != "" {
								if ip := net.ParseIP(tc); ip != nil {
									r.RemoteAddr = ip.String()
									break
								}
							}
							if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
								if ip := net.ParseIP(xr); ip != nil {
									r.RemoteAddr = ip.String()
									break
								}
							}
							if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
								first := strings.TrimSpace(strings.Split(xff, ",")[0])
								if ip := net.ParseIP(first); ip != nil {
									r.RemoteAddr = ip.String()
									break
								}
							}
							break
						}
					}
				}
				// untrusted headers are simply ignored, no logging or blocking
			}
			next.ServeHTTP(w, r)
		})
	}
}
