package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinger struct{ err error }

func (p pinger) Ping() error { return p.err }

type viewers int

func (v viewers) Total() int { return int(v) }

type sweepStub struct {
	at      time.Time
	cleaned int
}

func (s sweepStub) LastRun() (time.Time, int) { return s.at, s.cleaned }

func TestCollectHealth_NothingConfigured(t *testing.T) {
	result := CollectHealth(context.Background(), Sources{})
	assert.Equal(t, "issue", result.Status)
	assert.Equal(t, "disconnected", result.Dependencies["database"].Status)
	assert.Equal(t, "disabled", result.Dependencies["redis"].Status)
	assert.Equal(t, "disabled", result.Sweeper.Status)
	assert.Equal(t, 0, result.Traffic.TotalRequests)
	assert.NotEmpty(t, result.Runtime.GoVersion)
}

func TestCollectHealth_WithMiniredis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	src := Sources{
		Rdb:           rdb,
		DB:            pinger{},
		Viewers:       viewers(7),
		Sweeper:       sweepStub{at: time.Now(), cleaned: 3},
		SweepInterval: 30 * time.Second,
	}
	result := CollectHealth(ctx, src)
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, "connected", result.Dependencies["redis"].Status)
	assert.Equal(t, "connected", result.Dependencies["database"].Status)
	assert.Equal(t, "100", result.Traffic.SuccessRate)
	assert.Equal(t, 7, result.Realtime.Viewers)
	assert.Equal(t, "running", result.Sweeper.Status)
	assert.Equal(t, 3, result.Sweeper.LastCleaned)

	require.NoError(t, rdb.Set(ctx, "health:global:req_total", "10", 0).Err())
	require.NoError(t, rdb.Set(ctx, "health:global:req_errors", "2", 0).Err())
	require.NoError(t, rdb.Set(ctx, "health:global:res_time_total", "150.5", 0).Err())
	require.NoError(t, rdb.Set(ctx, "health:global:res_count", "10", 0).Err())
	require.NoError(t, rdb.Set(ctx, "health:global:start_time", "1000000", 0).Err())

	result2 := CollectHealth(ctx, src)
	assert.Equal(t, 10, result2.Traffic.TotalRequests)
	assert.Equal(t, 2, result2.Traffic.FailedCount)
	assert.Equal(t, 8, result2.Traffic.SuccessCount)
	assert.Equal(t, "80.0", result2.Traffic.SuccessRate)
	assert.Equal(t, "15.05", result2.Traffic.AvgResponseTime)
}

func TestCollectHealth_Issues(t *testing.T) {
	result := CollectHealth(context.Background(), Sources{DB: pinger{err: errors.New("refused")}})
	assert.Equal(t, "error", result.Dependencies["database"].Status)
	assert.Equal(t, "issue", result.Status)

	result = CollectHealth(context.Background(), Sources{
		DB:            pinger{},
		Sweeper:       sweepStub{at: time.Now().Add(-10 * time.Minute)},
		SweepInterval: 30 * time.Second,
	})
	assert.Equal(t, "overdue", result.Sweeper.Status)
	assert.Equal(t, "issue", result.Status)

	result = CollectHealth(context.Background(), Sources{DB: pinger{}, Sweeper: sweepStub{}})
	assert.Equal(t, "starting", result.Sweeper.Status)
	assert.Equal(t, "ok", result.Status)
}
