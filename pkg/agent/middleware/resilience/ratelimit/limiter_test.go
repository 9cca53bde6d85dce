package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeagent/pkg/agent/llm"
)

func TestUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 100 {
		_, err := l.Acquire(context.Background())
		require.NoError(t, err)
	}
}

func TestBurstThenWait(t *testing.T) {
	// 6000/min = one every 10ms
	l := NewLimiter(Config{RequestsPerMinute: 6000, Burst: 2})
	ctx := context.Background()

	start := time.Now()
	for range 3 {
		_, err := l.Acquire(ctx)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestAcquireRespectsContext(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 1, Burst: 1})
	_, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.Error(t, err)
}

func TestMiddlewareThrottles(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 1, Burst: 1})
	calls := 0
	client := Middleware(l, nil)(llm.WrapClient(
		func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
			calls++
			return llm.CompletionResponse{Content: "ok"}, nil
		},
		func() string { return "m" },
	))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = client.Complete(ctx, llm.CompletionRequest{})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
