package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/ngoyal88/supplierlog/pkg/cache"
	"github.com/ngoyal88/supplierlog/pkg/config"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const rateLimitKey = "supplierlog:ratelimit:ingest"

// NewRateLimiter limits ingestion requests. With a Redis client the limit is
// shared by every instance through redis_rate; otherwise, or when Redis
// errors, an in-process token bucket applies. Limits are read from the live
// config on every request.
func NewRateLimiter(rdb *cache.Client, cfgStore *config.Store) func(http.Handler) http.Handler {
	var distributed *redis_rate.Limiter
	if rdb != nil {
		distributed = redis_rate.NewLimiter(rdb.Redis())
	}

	var (
		mu      sync.Mutex
		local   *rate.Limiter
		current config.RateLimitConfig
	)
	localLimiter := func(rc config.RateLimitConfig) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if local == nil || rc.RPS != current.RPS || rc.Burst != current.Burst {
			local = rate.NewLimiter(rate.Limit(rc.RPS), rc.Burst)
			current = rc
		}
		return local
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg := cfgStore.Get()
			if cfg == nil || !cfg.Ingest.RateLimit.Enabled || cfg.Ingest.RateLimit.RPS <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			rc := cfg.Ingest.RateLimit
			if rc.Burst <= 0 {
				rc.Burst = int(rc.RPS)
				if rc.Burst < 1 {
					rc.Burst = 1
				}
			}

			if distributed != nil {
				res, err := distributed.Allow(r.Context(), rateLimitKey, redisLimit(rc))
				if err == nil {
					if res.Allowed == 0 {
						rateLimited.WithLabelValues("redis").Inc()
						tooManyRequests(w, res.RetryAfter)
						return
					}
					next.ServeHTTP(w, r)
					return
				}
				log.Warnf("[ratelimit] redis limiter unavailable, using local limiter: %v", err)
			}

			if !localLimiter(rc).Allow() {
				rateLimited.WithLabelValues("local").Inc()
				tooManyRequests(w, time.Second)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// redisLimit expresses a per-second rate as an integer count over the
// shortest period that keeps fractional rates, since redis_rate only takes
// whole requests per period.
func redisLimit(rc config.RateLimitConfig) redis_rate.Limit {
	for _, period := range []time.Duration{time.Second, time.Minute, time.Hour} {
		n := rc.RPS * period.Seconds()
		if n >= 1 && (n == math.Trunc(n) || period == time.Hour) {
			return redis_rate.Limit{Rate: int(math.Round(n)), Burst: rc.Burst, Period: period}
		}
	}
	return redis_rate.Limit{Rate: 1, Burst: rc.Burst, Period: time.Hour}
}

func tooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Too Many Requests"})
}
