package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	epoch   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func TestMemory_RunsDueJobsAndRetriesFailures(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Second, discard)
	now := epoch
	m.now = func() time.Time { return now }

	due, later, failing := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, m.Schedule(ctx, due, 0))
	require.NoError(t, m.Schedule(ctx, later, time.Hour))
	require.NoError(t, m.Schedule(ctx, failing, 0))

	var ran []uuid.UUID
	m.tick(ctx, func(_ context.Context, id uuid.UUID) error {
		ran = append(ran, id)
		if id == failing {
			return errors.New("signer down")
		}
		return nil
	})

	assert.ElementsMatch(t, []uuid.UUID{due, failing}, ran)
	assert.Equal(t, 2, m.Pending())
	assert.Equal(t, now.Add(DefaultRetryDelay), m.due[failing])
}

func TestMemory_RunStopsWithContext(t *testing.T) {
	m := NewMemory(10*time.Millisecond, discard)
	id := uuid.New()
	require.NoError(t, m.Schedule(context.Background(), id, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan uuid.UUID, 1)
	go func() {
		_ = m.Run(ctx, func(_ context.Context, got uuid.UUID) error {
			done <- got
			return nil
		})
	}()
	select {
	case got := <-done:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	cancel()
}

func newRedis(t *testing.T) (*Redis, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	r := NewRedis(client, "approvals", time.Second, discard)
	r.now = func() time.Time { return epoch }
	t.Cleanup(func() { assert.NoError(t, mock.ExpectationsWereMet()) })
	return r, mock
}

func TestRedis_Schedule(t *testing.T) {
	r, mock := newRedis(t)
	id := uuid.New()
	mock.ExpectZAdd("approvals", redis.Z{
		Score:  float64(epoch.Add(time.Minute).UnixMilli()),
		Member: id.String(),
	}).SetVal(1)

	require.NoError(t, r.Schedule(context.Background(), id, time.Minute))
}

func TestRedis_TickClaimsAndRetries(t *testing.T) {
	r, mock := newRedis(t)
	ok, failing, stolen := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectZRangeByScore("approvals", &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(epoch.UnixMilli(), 10),
		Count: defaultBatch,
	}).SetVal([]string{ok.String(), stolen.String(), failing.String()})
	mock.ExpectZRem("approvals", ok.String()).SetVal(1)
	mock.ExpectZRem("approvals", stolen.String()).SetVal(0)
	mock.ExpectZRem("approvals", failing.String()).SetVal(1)
	mock.ExpectZAdd("approvals", redis.Z{
		Score:  float64(epoch.Add(DefaultRetryDelay).UnixMilli()),
		Member: failing.String(),
	}).SetVal(1)

	var ran []uuid.UUID
	err := r.tick(context.Background(), func(_ context.Context, id uuid.UUID) error {
		ran = append(ran, id)
		if id == failing {
			return errors.New("signer down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ok, failing}, ran)
}

func TestRedis_TickListError(t *testing.T) {
	r, mock := newRedis(t)
	mock.ExpectZRangeByScore("approvals", &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(epoch.UnixMilli(), 10),
		Count: defaultBatch,
	}).SetErr(errors.New("connection refused"))

	err := r.tick(context.Background(), func(context.Context, uuid.UUID) error {
		t.Fatal("no job expected")
		return nil
	})
	assert.ErrorContains(t, err, "listing due jobs")
}
