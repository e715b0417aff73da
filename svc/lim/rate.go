package lim

import (
	"context"
	"keydrop/svc/util"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	maxLimiters     = 10000
	redisBudget     = 100 * time.Millisecond
	adaptiveCooloff = 60 * time.Second
	window          = time.Minute
)

// Counter is a shared fixed-window counter, normally Redis.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// Limiter enforces per-client, per-endpoint request budgets. With a Counter
// the budget is shared by every replica; without one, or when the counter
// fails, each process falls back to a stricter local token bucket.
type Limiter struct {
	counter           Counter
	trustedProxies    []string
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	local             *lru.Cache[string, *rate.Limiter]
	rpm               int
	burst             int
	conservativeLimit int
	now               func() time.Time
}

type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(rpm, burst, conservativeLimit int, counter Counter, trustedProxies []string) (*Limiter, error) {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, errors.Wrapf(err, "invalid CIDR in trusted proxies: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, errors.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	local, err := lru.New[string, *rate.Limiter](maxLimiters)
	if err != nil {
		return nil, errors.Wrap(err, "create limiter cache")
	}
	l := &Limiter{
		counter:           counter,
		trustedProxies:    trustedProxies,
		local:             local,
		rpm:               rpm,
		burst:             burst,
		conservativeLimit: conservativeLimit,
		now:               time.Now,
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	return l, nil
}

func (l *Limiter) Stop() {
	l.detector.Stop()
}

func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, l.now().Add(adaptiveCooloff).Unix())
}

func (l *Limiter) isAdaptiveMode() bool {
	return l.now().Unix() < atomic.LoadInt64(&l.adaptiveModeUntil)
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

func halved(n int) int {
	if n/2 < 1 {
		return 1
	}
	return n / 2
}

func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *RateLimitResult {
	ip := GetRealIP(r, l.trustedProxies)
	if l.counter == nil {
		return l.checkLocal(ip, endpoint)
	}
	limit := l.rpm
	if l.isAdaptiveMode() {
		limit = halved(limit)
	}
	ctx, cancel := context.WithTimeout(r.Context(), redisBudget)
	defer cancel()
	usage, err := l.counter.RateLimit(ctx, "rl:"+endpoint+":"+ip, limit, window)
	if err != nil {
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
		return l.checkLocal(ip, endpoint)
	}
	res := &RateLimitResult{Limit: limit, Reset: l.now().Add(window)}
	if usage > limit {
		return res
	}
	res.Allowed = true
	res.Remaining = limit - usage
	return res
}

func (l *Limiter) checkLocal(ip, endpoint string) *RateLimitResult {
	limit := l.conservativeLimit
	if l.isAdaptiveMode() {
		limit = halved(limit)
	}
	key := ip + ":" + endpoint
	lim, ok := l.local.Get(key)
	if !ok {
		burst := l.burst
		if burst <= 0 || burst > limit {
			burst = limit
		}
		lim = rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), burst)
		l.local.Add(key, lim)
	}
	res := &RateLimitResult{Limit: limit, Reset: l.now().Add(window)}
	if !lim.Allow() {
		return res
	}
	res.Allowed = true
	res.Remaining = int(lim.Tokens())
	return res
}

// GetRealIP walks X-Forwarded-For from the right, skipping trusted proxies,
// and only when the direct peer is itself trusted.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxIPsToParse = 100
	parts := strings.Split(xff, ",")
	parsed := 0
	for i := len(parts) - 1; i >= 0 && parsed < maxIPsToParse; i-- {
		ipStr := strings.TrimSpace(parts[i])
		if ipStr == "" {
			continue
		}
		parsed++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	if parsed >= maxIPsToParse {
		util.Warn().Int("parsed", parsed).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsedIP := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") && parsedIP != nil {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsedIP) {
				return true
			}
		}
	}
	return false
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
