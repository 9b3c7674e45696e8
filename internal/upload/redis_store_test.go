package upload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTestStore(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisSessionStore(rdb, "test:"), mr
}

func redisSession(id string, expiresAt time.Time) Session {
	now := time.Now().UTC()
	return Session{
		UploadID:    id,
		FileName:    "cube.stl",
		TotalChunks: 2,
		ContentType: "model/stl",
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   expiresAt,
	}
}

func expiryMembers(t *testing.T, mr *miniredis.Miniredis) []string {
	t.Helper()
	if !mr.Exists("test:upload:expiry") {
		return nil
	}
	members, err := mr.ZMembers("test:upload:expiry")
	require.NoError(t, err)
	return members
}

func TestRedisSessionStoreCreateAndGet(t *testing.T) {
	store, mr := newRedisTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	created, err := store.Create(ctx, redisSession("u1", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, created.Status)

	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "cube.stl", got.FileName)
	assert.Equal(t, 2, got.TotalChunks)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, []string{"u1"}, expiryMembers(t, mr))
	assert.Equal(t, time.Duration(0), mr.TTL("test:upload:u1"))
}

func TestRedisSessionStoreCreateRefusesActiveSessions(t *testing.T) {
	store, _ := newRedisTestStore(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	_, err := store.Create(ctx, redisSession("u1", expires))
	require.NoError(t, err)
	_, err = store.BeginAssembly(ctx, "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	existing, err := store.Create(ctx, redisSession("u1", expires))
	assert.ErrorIs(t, err, ErrAssemblyInProgress)
	assert.Equal(t, StatusAssembling, existing.Status)

	require.NoError(t, store.MarkCompleted(ctx, "u1", AssembledObject{StoragePath: "2026/10/19/1-ab-cube.stl"}))
	_, err = store.Create(ctx, redisSession("u1", expires))
	assert.ErrorIs(t, err, ErrSessionCompleted)
	assert.ErrorIs(t, store.MarkFailed(ctx, "u1", "late failure"), ErrSessionNotFound)

	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestRedisSessionStoreCreateResetsFailedSession(t *testing.T) {
	store, _ := newRedisTestStore(t)
	ctx := context.Background()

	first := redisSession("u1", time.Now().Add(time.Hour))
	first.CreatedAt = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	_, err := store.Create(ctx, first)
	require.NoError(t, err)
	_, err = store.BeginAssembly(ctx, "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, "u1", "chunk 1 missing"))

	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "chunk 1 missing", got.FailureReason)

	again := redisSession("u1", time.Now().Add(2*time.Hour))
	again.TotalChunks = 3
	reset, err := store.Create(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, reset.Status)
	assert.Equal(t, 3, reset.TotalChunks)
	assert.Empty(t, reset.FailureReason)
	assert.True(t, reset.CreatedAt.Equal(first.CreatedAt), "creation time survives a reset")
}

func TestRedisSessionStoreBeginAssemblyHasOneWinner(t *testing.T) {
	store, _ := newRedisTestStore(t)
	ctx := context.Background()
	_, err := store.Create(ctx, redisSession("u1", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	const callers = 8
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, results[i] = store.BeginAssembly(ctx, "u1", time.Now().Add(-time.Hour))
		}()
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, ErrAssemblyInProgress)
	}
	assert.Equal(t, 1, winners)
}

func TestRedisSessionStoreBeginAssemblyTakesOverStaleLock(t *testing.T) {
	store, _ := newRedisTestStore(t)
	ctx := context.Background()
	_, err := store.Create(ctx, redisSession("u1", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	_, err = store.BeginAssembly(ctx, "u1", time.Now().Add(-3*time.Hour))
	require.NoError(t, err)
	store.now = time.Now

	_, err = store.BeginAssembly(ctx, "u1", time.Now().Add(-3*time.Hour))
	assert.ErrorIs(t, err, ErrAssemblyInProgress, "lock is still fresh for this threshold")

	locked, err := store.BeginAssembly(ctx, "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StatusAssembling, locked.Status)
	assert.WithinDuration(t, time.Now(), locked.UpdatedAt, time.Minute)
}

func TestRedisSessionStoreCompletedSessionLeavesExpiryIndex(t *testing.T) {
	store, mr := newRedisTestStore(t)
	ctx := context.Background()
	_, err := store.Create(ctx, redisSession("u1", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	_, err = store.BeginAssembly(ctx, "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	result := AssembledObject{StoragePath: "2026/10/19/1-ab-cube.stl", FileSize: 6}
	require.NoError(t, store.MarkCompleted(ctx, "u1", result))

	assert.Empty(t, expiryMembers(t, mr))
	assert.Equal(t, time.Duration(0), mr.TTL("test:upload:u1"))

	current, err := store.BeginAssembly(ctx, "u1", time.Now())
	assert.ErrorIs(t, err, ErrSessionCompleted)
	require.NotNil(t, current.Result)
	assert.Equal(t, result.StoragePath, current.Result.StoragePath)
}

func TestRedisSessionStoreMarkExpiredConditions(t *testing.T) {
	store, mr := newRedisTestStore(t)
	ctx := context.Background()
	now := time.Now()
	staleBefore := now.Add(-time.Hour)

	_, err := store.Create(ctx, redisSession("live", now.Add(time.Hour)))
	require.NoError(t, err)
	_, err = store.Create(ctx, redisSession("busy", now.Add(-time.Minute)))
	require.NoError(t, err)
	_, err = store.BeginAssembly(ctx, "busy", staleBefore)
	require.NoError(t, err)
	_, err = store.Create(ctx, redisSession("old", now.Add(-time.Minute)))
	require.NoError(t, err)

	assert.ErrorIs(t, store.MarkExpired(ctx, "missing", now, staleBefore), ErrSessionNotFound)
	assert.ErrorIs(t, store.MarkExpired(ctx, "live", now, staleBefore), ErrSessionNotFound)
	assert.ErrorIs(t, store.MarkExpired(ctx, "busy", now, staleBefore), ErrSessionNotFound)

	require.NoError(t, store.MarkExpired(ctx, "old", now, staleBefore))
	got, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Equal(t, expiredRecordTTL, mr.TTL("test:upload:old"))
	assert.ElementsMatch(t, []string{"live", "busy"}, expiryMembers(t, mr))

	_, err = store.BeginAssembly(ctx, "old", staleBefore)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestRedisSessionStoreListExpiredSkipsActiveAssemblies(t *testing.T) {
	store, mr := newRedisTestStore(t)
	ctx := context.Background()
	now := time.Now()
	staleBefore := now.Add(-time.Hour)

	for _, s := range []Session{
		redisSession("ghost", now.Add(-4*time.Minute)),
		redisSession("busy", now.Add(-3*time.Minute)),
		redisSession("first", now.Add(-2*time.Minute)),
		redisSession("second", now.Add(-time.Minute)),
		redisSession("future", now.Add(time.Hour)),
	} {
		_, err := store.Create(ctx, s)
		require.NoError(t, err)
	}
	_, err := store.BeginAssembly(ctx, "busy", staleBefore)
	require.NoError(t, err)
	mr.Del("test:upload:ghost")

	batch, err := store.ListExpired(ctx, now, staleBefore, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "first", batch[0].UploadID)

	all, err := store.ListExpired(ctx, now, staleBefore, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, s := range all {
		ids = append(ids, s.UploadID)
	}
	assert.Equal(t, []string{"first", "second"}, ids)
	assert.NotContains(t, expiryMembers(t, mr), "ghost")
}
