package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matrix-org/dendrite-core/setup/config"
	"github.com/matrix-org/dendrite-core/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRateLimitsTokenBucketEnforcesThreshold(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitRejections.Reset()

	cfg := &config.RateLimiting{Enabled: true, Threshold: 2, CooloffMS: 50}
	limits := NewRateLimits(cfg)
	defer limits.Stop()

	req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	req.RemoteAddr = "198.51.100.1:1234"

	require.Nil(t, limits.Limit(req, nil))
	require.Nil(t, limits.Limit(req, nil))

	resp := limits.Limit(req, nil)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	time.Sleep(2 * time.Duration(cfg.CooloffMS) * time.Millisecond)
	require.Nil(t, limits.Limit(req, nil))

	require.Equal(t, float64(3), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("/test")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("/test")))
}

func TestRateLimitsDisabledAllowsEverything(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitRejections.Reset()

	cfg := &config.RateLimiting{Enabled: false}
	limits := NewRateLimits(cfg)

	req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	for i := 0; i < 10; i++ {
		require.Nil(t, limits.Limit(req, nil))
	}
}

func TestRateLimitsKeyedByDeviceNotIP(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitRejections.Reset()

	cfg := &config.RateLimiting{Enabled: true, Threshold: 1, CooloffMS: 1000}
	limits := NewRateLimits(cfg)
	defer limits.Stop()

	req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	req.RemoteAddr = "198.51.100.1:1234"

	alice := &storage.Device{UserID: "@alice:example.org", ID: "DEVICE1"}
	bob := &storage.Device{UserID: "@bob:example.org", ID: "DEVICE2"}

	require.Nil(t, limits.Limit(req, alice))
	require.NotNil(t, limits.Limit(req, alice))
	// Same remote IP, different device: independent bucket.
	require.Nil(t, limits.Limit(req, bob))
}

// TestRequestIPXForwardedForSecurity verifies that X-Forwarded-For is only trusted
// when RemoteAddr is loopback, preventing IP spoofing attacks.
func TestRequestIPXForwardedForSecurity(t *testing.T) {
	tests := []struct {
		name            string
		remoteAddr      string
		xForwardedFor   string
		expectedIP      string
		expectedTrusted bool
	}{
		{
			name:            "Direct connection without X-Forwarded-For",
			remoteAddr:      "203.0.113.5:1234",
			expectedIP:      "203.0.113.5",
			expectedTrusted: false,
		},
		{
			name:            "Direct connection ignores X-Forwarded-For (security)",
			remoteAddr:      "203.0.113.5:1234",
			xForwardedFor:   "10.0.0.1",
			expectedIP:      "203.0.113.5",
			expectedTrusted: false,
		},
		{
			name:            "Loopback connection trusts X-Forwarded-For",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "198.51.100.99",
			expectedIP:      "198.51.100.99",
			expectedTrusted: true,
		},
		{
			name:            "Loopback with multiple IPs takes first valid non-loopback",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "198.51.100.1, 203.0.113.5, 192.0.2.1",
			expectedIP:      "198.51.100.1",
			expectedTrusted: true,
		},
		{
			name:            "Loopback with loopback in header skips it",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "127.0.0.1, 198.51.100.50",
			expectedIP:      "198.51.100.50",
			expectedTrusted: true,
		},
		{
			name:            "IPv6 loopback connection trusts X-Forwarded-For",
			remoteAddr:      "[::1]:1234",
			xForwardedFor:   "2001:db8::1",
			expectedIP:      "2001:db8::1",
			expectedTrusted: true,
		},
		{
			name:            "Loopback with empty X-Forwarded-For falls back to RemoteAddr",
			remoteAddr:      "127.0.0.1:1234",
			expectedIP:      "127.0.0.1",
			expectedTrusted: false,
		},
		{
			name:            "Loopback with whitespace-only X-Forwarded-For falls back",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "  ,  , ",
			expectedIP:      "127.0.0.1",
			expectedTrusted: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}

			ip, trusted := requestIP(req)
			require.NotNil(t, ip, "IP should not be nil")
			require.Equal(t, tt.expectedIP, ip.String(), "IP mismatch")
			require.Equal(t, tt.expectedTrusted, trusted, "Trusted flag mismatch")
		})
	}
}

func TestConcurrentAccessNoRace(t *testing.T) {
	cfg := &config.RateLimiting{Enabled: true, Threshold: 100, CooloffMS: 50}
	limits := NewRateLimits(cfg)
	defer limits.Stop()

	done := make(chan bool)
	for i := 0; i < 50; i++ {
		go func(id int) {
			req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
			req.RemoteAddr = "203.0.113." + string(rune('0'+id%10)) + ":1234"
			for j := 0; j < 100; j++ {
				limits.Limit(req, nil)
			}
			done <- true
		}(i)
	}
	for i := 0; i < 50; i++ {
		<-done
	}

	limits.mutex.RLock()
	size := len(limits.limits)
	limits.mutex.RUnlock()
	require.Greater(t, size, 0, "Limiter map should have entries after concurrent access")
}

func TestStopPreventsGoroutineLeak(t *testing.T) {
	cfg := &config.RateLimiting{Enabled: true, Threshold: 10, CooloffMS: 100}
	for i := 0; i < 10; i++ {
		limits := NewRateLimits(cfg)
		limits.Stop()
		limits.Stop()
	}
}
