package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosedAllowsCalls(t *testing.T) {
	b := New(DefaultConfig())
	err := b.Call(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Closed, b.State())
}

func TestTripsOpenOnErrorRate(t *testing.T) {
	cfg := Config{MinRequests: 4, ErrorThresholdPercentage: 50, ErrorWindow: time.Minute, ResetTimeout: time.Minute, Timeout: time.Second}
	b := New(cfg)

	boom := errors.New("boom")
	for i := 0; i < 4; i++ {
		_ = b.Call(context.Background(), func(context.Context) error { return boom })
	}

	assert.Equal(t, Open, b.State())

	err := b.Call(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestHalfOpenRecoversOnSuccess(t *testing.T) {
	cfg := Config{MinRequests: 2, ErrorThresholdPercentage: 50, ErrorWindow: time.Minute, ResetTimeout: 10 * time.Millisecond, Timeout: time.Second}
	b := New(cfg)

	boom := errors.New("boom")
	_ = b.Call(context.Background(), func(context.Context) error { return boom })
	_ = b.Call(context.Background(), func(context.Context) error { return boom })
	require.Equal(t, Open, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())

	err := b.Call(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenRetripsOnFailure(t *testing.T) {
	cfg := Config{MinRequests: 1, ErrorThresholdPercentage: 1, ErrorWindow: time.Minute, ResetTimeout: 10 * time.Millisecond, Timeout: time.Second}
	b := New(cfg)

	boom := errors.New("boom")
	_ = b.Call(context.Background(), func(context.Context) error { return boom })
	require.Equal(t, Open, b.State())

	time.Sleep(20 * time.Millisecond)
	err := b.Call(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Open, b.State())
}

func TestTimeoutCountsAsError(t *testing.T) {
	cfg := Config{MinRequests: 1, ErrorThresholdPercentage: 1, ErrorWindow: time.Minute, ResetTimeout: time.Minute, Timeout: 5 * time.Millisecond}
	b := New(cfg)

	err := b.Call(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Error(t, err)
	assert.Equal(t, Open, b.State())
}
