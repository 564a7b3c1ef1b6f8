package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottleUnthrottledNeverBlocks(t *testing.T) {
	th := newThrottle(0)
	err := th.acquire(context.Background(), 10*1024*1024)
	require.NoError(t, err)
}

func TestThrottleAcquireWithinBudgetDoesNotBlock(t *testing.T) {
	th := newThrottle(1024 * 1024)
	start := time.Now()
	require.NoError(t, th.acquire(context.Background(), 1024))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestThrottleRespectsContextCancellation(t *testing.T) {
	th := newThrottle(1) // 1 byte/sec, trivially exhausted
	require.NoError(t, th.acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := th.acquire(ctx, 100)
	require.Error(t, err)
}

func TestGrainSizeCapsToMax(t *testing.T) {
	require.Equal(t, maxGrainBytes, grainSize(0))
	require.Equal(t, maxGrainBytes, grainSize(10*maxGrainBytes))
	require.Equal(t, 4096, grainSize(4096))
}
