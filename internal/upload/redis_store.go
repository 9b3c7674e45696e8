package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisTxRetries = 5
	// expiredRecordTTL bounds how long reaped session records stay readable.
	expiredRecordTTL = 24 * time.Hour
)

// RedisSessionStore keeps sessions as JSON documents with a sorted-set expiry index.
// Transitions use WATCH/MULTI so concurrent completions cannot both take the assembly lock.
type RedisSessionStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisSessionStore builds a session store; keyPrefix namespaces every key it writes.
func NewRedisSessionStore(rdb *redis.Client, keyPrefix string) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb, prefix: keyPrefix, now: time.Now}
}

func (r *RedisSessionStore) sessionKey(uploadID string) string {
	return r.prefix + "upload:" + uploadID
}

func (r *RedisSessionStore) expiryKey() string {
	return r.prefix + "upload:expiry"
}

// Create inserts a session, or resets an unfinished one with the same uploadId.
func (r *RedisSessionStore) Create(ctx context.Context, session Session) (Session, error) {
	session.Status = StatusPending
	session.FailureReason = ""
	session.Result = nil

	return r.update(ctx, session.UploadID, func(existing *Session) (Session, error) {
		if existing == nil {
			return session, nil
		}
		if err := canReset(*existing); err != nil {
			return *existing, err
		}
		session.CreatedAt = existing.CreatedAt
		return session, nil
	})
}

// Get loads a session by uploadId.
func (r *RedisSessionStore) Get(ctx context.Context, uploadID string) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	raw, err := r.rdb.Get(ctx, r.sessionKey(uploadID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("get upload session: %w", err)
	}
	return decodeSession(raw)
}

// BeginAssembly atomically moves an eligible session to assembling.
func (r *RedisSessionStore) BeginAssembly(ctx context.Context, uploadID string, staleBefore time.Time) (Session, error) {
	return r.update(ctx, uploadID, func(existing *Session) (Session, error) {
		if existing == nil {
			return Session{}, ErrSessionNotFound
		}
		if err := canAssemble(*existing, staleBefore); err != nil {
			return *existing, err
		}
		next := *existing
		next.Status = StatusAssembling
		next.FailureReason = ""
		next.UpdatedAt = r.now().UTC()
		return next, nil
	})
}

// MarkCompleted stores the assembled object and marks the session completed.
func (r *RedisSessionStore) MarkCompleted(ctx context.Context, uploadID string, result AssembledObject) error {
	_, err := r.update(ctx, uploadID, func(existing *Session) (Session, error) {
		if existing == nil {
			return Session{}, ErrSessionNotFound
		}
		next := *existing
		next.Status = StatusCompleted
		next.FailureReason = ""
		next.Result = &result
		next.UpdatedAt = r.now().UTC()
		return next, nil
	})
	return err
}

// MarkFailed records the failure reason. Completed sessions are left untouched.
func (r *RedisSessionStore) MarkFailed(ctx context.Context, uploadID, reason string) error {
	_, err := r.update(ctx, uploadID, func(existing *Session) (Session, error) {
		if existing == nil || existing.Status == StatusCompleted {
			return Session{}, ErrSessionNotFound
		}
		next := *existing
		next.Status = StatusFailed
		next.FailureReason = reason
		next.UpdatedAt = r.now().UTC()
		return next, nil
	})
	return err
}

// ListExpired returns up to limit unfinished sessions whose expiry has passed, oldest first.
// The expiry index also holds sessions that are mid-assembly, so it is paged until limit matches are found.
func (r *RedisSessionStore) ListExpired(ctx context.Context, now, staleBefore time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	var (
		sessions []Session
		offset   int64
	)
	for len(sessions) < limit {
		ids, err := r.rdb.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    "(" + strconv.FormatInt(now.UnixMilli(), 10),
			Offset: offset,
			Count:  int64(limit),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("list expired sessions: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		dropped := 0
		for _, id := range ids {
			raw, err := r.rdb.Get(ctx, r.sessionKey(id)).Bytes()
			if errors.Is(err, redis.Nil) {
				r.rdb.ZRem(ctx, r.expiryKey(), id)
				dropped++
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("get upload session: %w", err)
			}
			session, err := decodeSession(raw)
			if err != nil {
				return nil, err
			}
			if isExpirable(session, now, staleBefore) {
				sessions = append(sessions, session)
				if len(sessions) == limit {
					break
				}
			}
		}
		if len(ids) < limit {
			break
		}
		offset += int64(len(ids) - dropped)
	}
	return sessions, nil
}

// MarkExpired expires the session if it still matches the ListExpired conditions.
func (r *RedisSessionStore) MarkExpired(ctx context.Context, uploadID string, now, staleBefore time.Time) error {
	_, err := r.update(ctx, uploadID, func(existing *Session) (Session, error) {
		if existing == nil || !isExpirable(*existing, now, staleBefore) {
			return Session{}, ErrSessionNotFound
		}
		next := *existing
		next.Status = StatusExpired
		next.UpdatedAt = r.now().UTC()
		return next, nil
	})
	return err
}

// Ping checks Redis connectivity.
func (r *RedisSessionStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// update runs fn against the current record inside WATCH/MULTI, retrying when another client
// changes the key first. When fn fails nothing is written and its session is returned with the error.
func (r *RedisSessionStore) update(ctx context.Context, uploadID string, fn func(existing *Session) (Session, error)) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	key := r.sessionKey(uploadID)
	var (
		next   Session
		fnErr  error
		txFunc = func(tx *redis.Tx) error {
			var existing *Session
			raw, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				current, err := decodeSession(raw)
				if err != nil {
					return err
				}
				existing = &current
			}

			next, fnErr = fn(existing)
			if fnErr != nil {
				return nil
			}

			payload, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("encode upload session: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				switch next.Status {
				case StatusCompleted:
					pipe.Set(ctx, key, payload, 0)
					pipe.ZRem(ctx, r.expiryKey(), uploadID)
				case StatusExpired:
					pipe.Set(ctx, key, payload, expiredRecordTTL)
					pipe.ZRem(ctx, r.expiryKey(), uploadID)
				default:
					pipe.Set(ctx, key, payload, 0)
					pipe.ZAdd(ctx, r.expiryKey(), redis.Z{
						Score:  float64(next.ExpiresAt.UnixMilli()),
						Member: uploadID,
					})
				}
				return nil
			})
			return err
		}
	)

	for attempt := 0; attempt < redisTxRetries; attempt++ {
		err := r.rdb.Watch(ctx, txFunc, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Session{}, fmt.Errorf("update upload session: %w", err)
		}
		return next, fnErr
	}
	return Session{}, fmt.Errorf("update upload session %s: too much contention", uploadID)
}

func decodeSession(raw []byte) (Session, error) {
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return Session{}, fmt.Errorf("decode upload session: %w", err)
	}
	return session, nil
}
