package handler

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
)

// RefreshReporter exposes the outcome of the latest registry refresh
type RefreshReporter interface {
	LastRefresh() (time.Time, error)
}

// NewHealth builds the /live and /ready handler. The process is ready once a
// refresh has reached the registry and stays ready while the latest one did.
func NewHealth(rep RefreshReporter) healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	health.AddReadinessCheck("registry", func() error {
		at, err := rep.LastRefresh()
		if at.IsZero() {
			return errors.New("no refresh yet")
		}
		if err != nil {
			return fmt.Errorf("last refresh at %s: %w", at.Format(time.RFC3339), err)
		}
		return nil
	})
	return health
}
