package upload

import (
	"context"

	"go.uber.org/zap"

	"github.com/abduss/meshdrop/internal/metrics"
)

// scheduleCleanup deletes the staged chunks of uploadID in the background.
// It runs on its own context so the finished request cannot cancel it.
func (s *Service) scheduleCleanup(uploadID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.CleanupTimeout)
		defer cancel()

		removed := s.removeStagedChunks(ctx, uploadID)
		s.log.Info("staged chunks cleaned", zap.String("upload_id", uploadID), zap.Int("removed", removed))
	}()
}

// removeStagedChunks deletes every object under the upload's staging prefix, one at a time.
// Individual failures are logged as CleanupError and skipped.
func (s *Service) removeStagedChunks(ctx context.Context, uploadID string) int {
	prefix := ChunkPrefix(uploadID)
	objects, err := s.store.List(ctx, s.opts.StagingBucket, prefix)
	if err != nil {
		s.log.Warn("list staged chunks for cleanup failed", zap.String("upload_id", uploadID), zap.Error(err))
		metrics.CleanupFailed()
		return 0
	}

	removed := 0
	for _, obj := range objects {
		if err := s.store.Remove(ctx, s.opts.StagingBucket, obj.Key); err != nil {
			s.log.Warn("chunk cleanup failed",
				zap.String("upload_id", uploadID),
				zap.Error(&CleanupError{Key: obj.Key, Err: err}),
			)
			metrics.CleanupFailed()
			continue
		}
		removed++
	}
	return removed
}
