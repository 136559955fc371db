package planimg

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/KazanExpress/planimg/internal/pkg/config"
	"github.com/gorilla/handlers"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

func NewThrottler(cfg *config.Config) *Throttler {
	return &Throttler{
		semaphore: semaphore.NewWeighted(cfg.ThrottlerQueueLength),
		timeout:   cfg.ThrottlerTimeout,
	}
}

type Throttler struct {
	semaphore *semaphore.Weighted
	timeout   time.Duration
}

// lock - tries to acquire right to handle request
func (t *Throttler) lock(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	var err = t.semaphore.Acquire(ctx, 1)
	return err == nil
}

func (t *Throttler) unlock() {
	t.semaphore.Release(1)
}

func (t *Throttler) Throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.lock(r.Context()) {
			defer t.unlock()
			next.ServeHTTP(w, r)
		} else {
			err := respondWithDetail(w, "Too many requests, try again later.", http.StatusServiceUnavailable)
			if err != nil {
				log.Error().Err(err).Msg("failed to respond with 'too many requests'")
			}
		}
	})
}

// withAccessLog - request id, per request logger and one log line per request
func withAccessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("request")
		})(next)
		h = hlog.RemoteAddrHandler("ip")(h)
		h = hlog.RequestIDHandler("request_id", "X-Request-ID")(h)
		return hlog.NewHandler(logger)(h)
	}
}

type recoveryLogger struct{}

func (recoveryLogger) Println(v ...interface{}) {
	log.Error().Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func recoverFromPanic(next http.Handler) http.Handler {
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{}),
		handlers.PrintRecoveryStack(true),
	)(next)
}

func corsMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: splitList(cfg.CORSAllowOrigin),
		AllowedHeaders: splitList(cfg.CORSAllowHeaders),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
	}).Handler
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
