package throttle

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Rule is a token-bucket budget for one route.
type Rule struct {
	PerMinute int `json:"perMinute" yaml:"perMinute"`
	Burst     int `json:"burst" yaml:"burst"`
}

func (r Rule) scaled(mult float64) Rule {
	if mult <= 0 || mult == 1 {
		return r
	}
	out := Rule{
		PerMinute: int(math.Ceil(float64(r.PerMinute) * mult)),
		Burst:     int(math.Ceil(float64(r.Burst) * mult)),
	}
	if out.PerMinute < 1 {
		out.PerMinute = 1
	}
	if out.Burst < 1 {
		out.Burst = 1
	}
	return out
}

// Config describes the guard's limits.
type Config struct {
	Default Rule
	// Routes overrides Default by route pattern, e.g. "/loyalty/commit".
	Routes map[string]Rule
	// MerchantMultipliers scales a merchant's budget on every route.
	MerchantMultipliers map[string]float64
	// IdleTTL evicts buckets that have not been touched for this long.
	IdleTTL time.Duration
}

func (c Config) ruleFor(path, merchantID string) Rule {
	rule := c.Default
	if r, ok := c.Routes[path]; ok {
		rule = r
	}
	if merchantID != "" {
		if m, ok := c.MerchantMultipliers[merchantID]; ok {
			rule = rule.scaled(m)
		}
	}
	if rule.PerMinute <= 0 {
		rule.PerMinute = 60
	}
	if rule.Burst <= 0 {
		rule.Burst = 1
	}
	return rule
}

type bucket struct {
	limiter *rate.Limiter
	rule    Rule
	seen    time.Time
}

// Guard enforces per-tracker token buckets.
type Guard struct {
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	rejects *prometheus.CounterVec

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger used for reject events.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithRegisterer registers the reject counter with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(g *Guard) {
		if reg == nil {
			return
		}
		if err := reg.Register(g.rejects); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					g.rejects = existing
				}
			}
		}
	}
}

// NewGuard returns a Guard for cfg.
func NewGuard(cfg Config, opts ...Option) *Guard {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	g := &Guard{
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "throttle",
			Name:      "rejected_total",
			Help:      "Requests rejected by the rate limiter, by route.",
		}, []string{"route"}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check consumes one token for id. It returns a RateLimitError when the bucket is empty.
func (g *Guard) Check(id Identity) error {
	return g.check(id.Key(), g.cfg.ruleFor(clean(id.Path), clean(id.MerchantID)))
}

func (g *Guard) check(key string, rule Rule) error {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked(now)

	b, ok := g.buckets[key]
	if !ok || b.rule != rule {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(float64(rule.PerMinute)/60.0), rule.Burst),
			rule:    rule,
		}
		g.buckets[key] = b
	}
	b.seen = now

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return RateLimitError{Key: key, RetryAfter: time.Minute}
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return RateLimitError{Key: key, RetryAfter: delay}
	}
	return nil
}

func (g *Guard) sweepLocked(now time.Time) {
	if now.Sub(g.lastSweep) < g.cfg.IdleTTL {
		return
	}
	g.lastSweep = now
	for k, b := range g.buckets {
		if now.Sub(b.seen) >= g.cfg.IdleTTL {
			delete(g.buckets, k)
		}
	}
}

// Tracked reports how many buckets are live.
func (g *Guard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buckets)
}

// Middleware rejects over-budget requests with 429 and a Retry-After header.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		path := routePath(r)

		var key string
		var rule Rule
		id, err := identityFromRequest(r)
		if err != nil {
			key = fallbackKey(ip, path)
			rule = g.cfg.ruleFor(path, "")
		} else {
			id.IP, id.Path = ip, path
			key = id.Key()
			rule = g.cfg.ruleFor(path, clean(id.MerchantID))
		}

		if err := g.check(key, rule); err != nil {
			var rl RateLimitError
			retry := time.Second
			if errors.As(err, &rl) && rl.RetryAfter > 0 {
				retry = rl.RetryAfter
			}
			g.rejects.WithLabelValues(routeLabel(r)).Inc()
			g.logger.Warn("throttle.reject",
				slog.String("key", key),
				slog.String("route", path),
				slog.Duration("retry_after", retry),
			)
			writeRejected(w, retry)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRejected(w http.ResponseWriter, retry time.Duration) {
	secs := int(math.Ceil(retry.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    "rate_limited",
			"message": "too many requests",
		},
	})
}

// ParseMultipliers decodes a JSON object of merchant id to multiplier.
func ParseMultipliers(raw string) (map[string]float64, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]float64
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	for k, v := range m {
		if v <= 0 {
			delete(m, k)
		}
	}
	return m, nil
}
