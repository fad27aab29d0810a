package email

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// sendPolicy is the retry schedule every provider uses for one message.
// A notice that still fails is left for the next poll cycle.
func sendPolicy(ctx context.Context, logger *slog.Logger, provider string, extra ...retry.Option) []retry.Option {
	opts := []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send after error", "provider", provider, "attempt", n, "error", err)
		}),
	}
	return append(opts, extra...)
}

// permanentStatus reports whether an HTTP status will fail the same way on retry.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != 429
}
