package httpapi

import (
	"context"
	"time"

	"github.com/heptiolabs/healthcheck"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// NewHealth reports the process live while the goroutine count stays sane
// and ready while the store answers pings.
func NewHealth(store pinger, pingTimeout time.Duration) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	h.AddReadinessCheck("store", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		return store.Ping(ctx)
	}, pingTimeout))
	return h
}
