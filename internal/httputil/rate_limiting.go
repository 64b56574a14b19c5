package httputil

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matrix-org/dendrite-core/mxerrors"
	"github.com/matrix-org/dendrite-core/setup/config"
	"github.com/matrix-org/dendrite-core/storage"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dendrite_core",
			Subsystem: "clientapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dendrite_core",
			Subsystem: "clientapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

// RateLimits is the token-bucket limiter D6 applies per caller, keyed on
// device when authenticated and on remote IP otherwise. Grounded on
// dendrite's internal/httputil.RateLimits; the per-endpoint override and
// IP exemption list it carries are dropped since SPEC_FULL.md §6.3's
// config.RateLimiting has no fields for them.
type RateLimits struct {
	limits      map[string]*limiterEntry
	mutex       sync.RWMutex
	enabled     bool
	threshold   int64
	cooloff     time.Duration
	cleanupDone chan struct{}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		limits:      make(map[string]*limiterEntry),
		enabled:     cfg.Enabled,
		threshold:   cfg.Threshold,
		cooloff:     time.Duration(cfg.CooloffMS) * time.Millisecond,
		cleanupDone: make(chan struct{}),
	}
	if l.enabled {
		go l.clean()
	}
	return l
}

// clean periodically evicts limiter entries untouched for over a minute so
// RateLimits does not grow without bound across long-lived deployments.
func (l *RateLimits) clean() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-l.cleanupDone:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Minute)

			l.mutex.RLock()
			keysToCheck := make([]string, 0, len(l.limits))
			for key := range l.limits {
				keysToCheck = append(keysToCheck, key)
			}
			l.mutex.RUnlock()

			for _, key := range keysToCheck {
				l.mutex.Lock()
				if entry, ok := l.limits[key]; ok && entry.lastSeen.Before(cutoff) {
					delete(l.limits, key)
				}
				l.mutex.Unlock()
			}
		}
	}
}

// Stop terminates the cleanup goroutine. Safe to call multiple times.
func (l *RateLimits) Stop() {
	if !l.enabled || l.cleanupDone == nil {
		return
	}
	select {
	case <-l.cleanupDone:
	default:
		close(l.cleanupDone)
	}
}

// Limit checks whether req, made by device (nil if unauthenticated), may
// proceed. A non-nil response means the caller exceeded the threshold and
// the handler must return it as-is.
func (l *RateLimits) Limit(req *http.Request, device *storage.Device) *util.JSONResponse {
	endpoint := endpointLabel(req)

	if !l.enabled {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	var caller string
	if device != nil {
		caller = device.UserID + "|" + device.ID
	} else if ip, _ := requestIP(req); ip != nil {
		caller = ip.String()
	} else if req != nil {
		caller = req.RemoteAddr
	}

	limiter, block := l.getLimiter(caller)
	if block || (limiter != nil && !limiter.Allow()) {
		rateLimitRejections.WithLabelValues(endpoint).Inc()
		return &util.JSONResponse{
			Code: http.StatusTooManyRequests,
			JSON: mxerrors.New(mxerrors.LimitExceeded, "You are sending too many requests too quickly!").Body(),
		}
	}

	rateLimitAllowed.WithLabelValues(endpoint).Inc()
	return nil
}

// getLimiter returns (nil, true) when the threshold is non-positive and
// every request must be blocked, (nil, false) when the cooloff is
// non-positive and no limiting applies, otherwise the per-caller token
// bucket.
func (l *RateLimits) getLimiter(key string) (*rate.Limiter, bool) {
	if l.threshold <= 0 {
		return nil, true
	}
	if l.cooloff <= 0 {
		return nil, false
	}

	burst := int(l.threshold)
	if burst < 1 {
		burst = 1
	}
	requestsPerSecond := rate.Limit(float64(l.threshold) * float64(time.Second) / float64(l.cooloff))
	if requestsPerSecond <= 0 {
		requestsPerSecond = rate.Limit(1)
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if entry, ok := l.limits[key]; ok {
		entry.lastSeen = time.Now()
		return entry.limiter, false
	}

	limiter := rate.NewLimiter(requestsPerSecond, burst)
	l.limits[key] = &limiterEntry{limiter: limiter, lastSeen: time.Now()}
	return limiter, false
}

func endpointLabel(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}
	return req.URL.Path
}

// requestIP extracts the caller's address, trusting X-Forwarded-For only
// when the direct connection is loopback (i.e. proxied by something on
// the same host). Otherwise RemoteAddr is used directly to prevent a
// remote client from spoofing its own rate-limit identity.
func requestIP(req *http.Request) (net.IP, bool) {
	if req == nil {
		return nil, false
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	remoteIP := net.ParseIP(strings.TrimSpace(host))
	if remoteIP == nil {
		return nil, false
	}

	forwardedFor := req.Header.Get("X-Forwarded-For")
	if forwardedFor == "" || !remoteIP.IsLoopback() {
		return remoteIP, false
	}

	for _, part := range strings.Split(forwardedFor, ",") {
		part = strings.TrimSpace(part)
		if ip := net.ParseIP(part); ip != nil && !ip.IsLoopback() {
			return ip, true
		}
	}
	return remoteIP, false
}
