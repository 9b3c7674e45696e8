package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/abduss/meshdrop/internal/metrics"
)

// ReapResult summarizes one reaper pass.
type ReapResult struct {
	Sessions      int
	ChunksRemoved int
	Errors        int
}

// ReapExpired removes the staged chunks of unfinished sessions past their expiry and marks them expired.
func (s *Service) ReapExpired(ctx context.Context) (ReapResult, error) {
	now := s.now().UTC()
	staleBefore := now.Add(-s.opts.AssemblyLockTTL)
	expired, err := s.sessions.ListExpired(ctx, now, staleBefore, s.opts.ReaperBatchSize)
	if err != nil {
		return ReapResult{}, fmt.Errorf("list expired sessions: %w", err)
	}

	var res ReapResult
	for _, session := range expired {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		// Claim the session first so a completion starting now cannot lose its chunks.
		if err := s.sessions.MarkExpired(ctx, session.UploadID, now, staleBefore); err != nil {
			if !errors.Is(err, ErrSessionNotFound) {
				res.Errors++
				s.log.Warn("mark session expired failed", zap.String("upload_id", session.UploadID), zap.Error(err))
			}
			continue
		}
		res.ChunksRemoved += s.removeStagedChunks(ctx, session.UploadID)
		res.Sessions++
	}

	if res.Sessions > 0 {
		metrics.SessionsReaped(res.Sessions)
		s.log.Info("expired sessions reaped",
			zap.Int("sessions", res.Sessions),
			zap.Int("chunks_removed", res.ChunksRemoved),
			zap.Int("errors", res.Errors),
		)
	}
	return res, nil
}

// StartReaper runs ReapExpired every interval until ctx is cancelled or the returned stop func is called.
func (s *Service) StartReaper(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ReapExpired(ctx); err != nil && ctx.Err() == nil {
					s.log.Error("reaper pass failed", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
