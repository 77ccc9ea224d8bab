package ratelimit

import (
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	mhttp "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/noah-isme/backend-bullion/internal/common"
)

// NewStore returns a limiter store on rdb, or an in-process store when rdb is nil.
func NewStore(rdb *redis.Client, prefix string) (limiter.Store, error) {
	if rdb == nil {
		return memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: prefix}), nil
	}
	return limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix})
}

// Public builds a fixed-window per-IP limiter for unauthenticated read
// endpoints. rate uses the "<limit>-<period>" format, e.g. "300-M".
func Public(store limiter.Store, rate string, logger zerolog.Logger) (func(http.Handler) http.Handler, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("parse public rate %q: %w", rate, err)
	}
	instance := limiter.New(store, parsed)
	mw := mhttp.NewMiddleware(instance,
		mhttp.WithKeyGetter(func(r *http.Request) string { return "ip:" + common.ClientIP(r) }),
		mhttp.WithLimitReachedHandler(func(w http.ResponseWriter, _ *http.Request) {
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
		}),
		mhttp.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn().Err(err).Str("path", r.URL.Path).Msg("public_rate_limit_unavailable")
			common.JSONError(w, http.StatusServiceUnavailable, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable", nil)
		}),
	)
	return mw.Handler, nil
}
