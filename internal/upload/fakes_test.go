package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/abduss/meshdrop/internal/objectstore"
)

const (
	testStaging = "stl-chunks"
	testFinal   = "stl-files"
)

type fakeStore struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte

	ensureErr error
	putErr    error
	commitErr error
	signErr   error
	removeErr error
	getErrs   map[string]error
	getDelay  time.Duration

	inflight    int
	maxInflight int
	removed     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		buckets: map[string]map[string][]byte{},
		getErrs: map[string]error{},
	}
}

func (f *fakeStore) EnsureBucket(ctx context.Context, bucket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buckets[bucket]; !ok {
		f.buckets[bucket] = map[string][]byte{}
	}
	return f.ensureErr
}

func (f *fakeStore) List(ctx context.Context, bucket, prefix string) ([]objectstore.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []objectstore.ObjectInfo
	for key, data := range f.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			out = append(out, objectstore.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	// Reverse lexical order so callers cannot rely on listing order.
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	return out, nil
}

func (f *fakeStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	err := f.getErrs[key]
	data, ok := f.buckets[bucket][key]
	delay := f.getDelay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

func (f *fakeStore) Put(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (int64, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return 0, f.putErr
	}
	if _, ok := f.buckets[bucket]; !ok {
		f.buckets[bucket] = map[string][]byte{}
	}
	f.buckets[bucket][key] = data
	if f.commitErr != nil {
		return int64(len(data)), f.commitErr
	}
	return int64(len(data)), nil
}

func (f *fakeStore) Remove(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.buckets[bucket], key)
	f.removed = append(f.removed, key)
	return nil
}

func (f *fakeStore) SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	return "https://signed.example/" + bucket + "/" + key + "?X-Amz-Expires=" + ttl.String(), nil
}

func (f *fakeStore) PublicURL(bucket, key string) string {
	return "https://public.example/" + bucket + "/" + key
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) object(bucket, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.buckets[bucket][key]
	return data, ok
}

func (f *fakeStore) count(bucket string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buckets[bucket])
}

// memorySessions mirrors the persistent session stores using the shared transition rules.
type memorySessions struct {
	mu       sync.Mutex
	sessions map[string]Session
	now      func() time.Time
	failNext error
}

func newMemorySessions() *memorySessions {
	return &memorySessions{sessions: map[string]Session{}, now: time.Now}
}

func (m *memorySessions) Create(ctx context.Context, session Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return Session{}, err
	}
	if existing, ok := m.sessions[session.UploadID]; ok {
		if err := canReset(existing); err != nil {
			return existing, err
		}
		session.CreatedAt = existing.CreatedAt
	}
	session.Status = StatusPending
	m.sessions[session.UploadID] = session
	return session, nil
}

func (m *memorySessions) Get(ctx context.Context, uploadID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[uploadID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (m *memorySessions) BeginAssembly(ctx context.Context, uploadID string, staleBefore time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[uploadID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if err := canAssemble(session, staleBefore); err != nil {
		return session, err
	}
	session.Status = StatusAssembling
	session.UpdatedAt = m.now().UTC()
	m.sessions[uploadID] = session
	return session, nil
}

func (m *memorySessions) MarkCompleted(ctx context.Context, uploadID string, result AssembledObject) error {
	return m.mutate(uploadID, func(s *Session) {
		s.Status = StatusCompleted
		s.Result = &result
	})
}

func (m *memorySessions) MarkFailed(ctx context.Context, uploadID, reason string) error {
	return m.mutate(uploadID, func(s *Session) {
		s.Status = StatusFailed
		s.FailureReason = reason
	})
}

func (m *memorySessions) ListExpired(ctx context.Context, now, staleBefore time.Time, limit int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if isExpirable(s, now, staleBefore) && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memorySessions) MarkExpired(ctx context.Context, uploadID string, now, staleBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[uploadID]
	if !ok || !isExpirable(s, now, staleBefore) {
		return ErrSessionNotFound
	}
	s.Status = StatusExpired
	m.sessions[uploadID] = s
	return nil
}

func (m *memorySessions) Ping(ctx context.Context) error { return nil }

func (m *memorySessions) mutate(uploadID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[uploadID]
	if !ok {
		return ErrSessionNotFound
	}
	fn(&s)
	s.UpdatedAt = m.now().UTC()
	m.sessions[uploadID] = s
	return nil
}

func (m *memorySessions) status(uploadID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[uploadID].Status
}

func (m *memorySessions) set(session Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.UploadID] = session
}

var errBoom = errors.New("boom")

func newTestService(t *testing.T) (*Service, *fakeStore, *memorySessions) {
	t.Helper()
	store := newFakeStore()
	sessions := newMemorySessions()
	svc := NewService(sessions, store, Options{
		StagingBucket:    testStaging,
		FinalBucket:      testFinal,
		MaxChunkSize:     1024,
		FetchConcurrency: 2,
	}, zap.NewNop())
	return svc, store, sessions
}
