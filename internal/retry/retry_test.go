package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/access-agent/internal/errors"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo_ErrorClasses(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{"backend 503 is retried", perrors.NewAPIError("access-control", 503, "unavailable"), 3},
		{"backend 429 is retried", perrors.NewAPIError("access-control", 429, "slow down"), 3},
		{"offline is retried", fmt.Errorf("GET /points: %w", perrors.ErrOffline), 3},
		{"timeout is retried", perrors.ErrTimeout, 3},
		{"backend 404 is final", perrors.NewAPIError("access-control", 404, "no such point"), 1},
		{"backend 422 is final", perrors.NewAPIError("access-control", 422, "bad schedule"), 1},
		{"auth failure is final", perrors.ErrAuthFailure, 1},
		{"plain error is final", errors.New("decode failed"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastConfig(3), func(context.Context) error {
				calls++
				return tt.err
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestDo_RecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(4), func(context.Context) error {
		calls++
		if calls < 3 {
			return perrors.ErrUnavailable
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Config{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return perrors.ErrTimeout
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelay_QueueBackoff(t *testing.T) {
	cfg := QueueConfig()
	assert.Equal(t, time.Second, Delay(cfg, 0))
	assert.Equal(t, 2*time.Second, Delay(cfg, 1))
	assert.Equal(t, 16*time.Second, Delay(cfg, 4))
	assert.Equal(t, 30*time.Second, Delay(cfg, 5))
	assert.Equal(t, 30*time.Second, Delay(cfg, 64))
	assert.Equal(t, time.Second, Delay(cfg, -1))
}
