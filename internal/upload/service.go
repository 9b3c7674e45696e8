package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/abduss/meshdrop/internal/metrics"
	"github.com/abduss/meshdrop/internal/objectstore"
)

// SessionStore persists upload sessions. Implementations must make BeginAssembly atomic.
type SessionStore interface {
	// Create inserts a pending session or resets an unfinished one with the same uploadId.
	// It returns ErrSessionCompleted or ErrAssemblyInProgress when the existing session may not be reset.
	Create(ctx context.Context, session Session) (Session, error)
	Get(ctx context.Context, uploadID string) (Session, error)
	// BeginAssembly moves a pending or failed session (or one stuck assembling since before staleBefore)
	// to assembling. Otherwise it returns the current session with ErrSessionCompleted,
	// ErrAssemblyInProgress or ErrSessionExpired.
	BeginAssembly(ctx context.Context, uploadID string, staleBefore time.Time) (Session, error)
	MarkCompleted(ctx context.Context, uploadID string, result AssembledObject) error
	MarkFailed(ctx context.Context, uploadID, reason string) error
	// ListExpired returns unfinished sessions past expiry, including assembling ones idle since staleBefore.
	ListExpired(ctx context.Context, now, staleBefore time.Time, limit int) ([]Session, error)
	// MarkExpired applies the ListExpired conditions again and expires the session atomically.
	// It returns ErrSessionNotFound when the session is no longer eligible.
	MarkExpired(ctx context.Context, uploadID string, now, staleBefore time.Time) error
	Ping(ctx context.Context) error
}

// Options tunes the upload service.
type Options struct {
	StagingBucket    string
	FinalBucket      string
	SessionTTL       time.Duration
	SignedURLTTL     time.Duration
	MaxChunkSize     int64
	MaxChunks        int
	FetchConcurrency int
	AssemblyTimeout  time.Duration
	AssemblyLockTTL  time.Duration
	CleanupTimeout   time.Duration
	ReaperBatchSize  int
}

func (o Options) withDefaults() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = time.Hour
	}
	if o.SignedURLTTL <= 0 {
		o.SignedURLTTL = 7 * 24 * time.Hour
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = 2 << 20
	}
	if o.MaxChunks <= 0 {
		o.MaxChunks = 10000
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = 4
	}
	if o.AssemblyTimeout <= 0 {
		o.AssemblyTimeout = 10 * time.Minute
	}
	if o.AssemblyLockTTL <= 0 {
		o.AssemblyLockTTL = 15 * time.Minute
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = 2 * time.Minute
	}
	if o.ReaperBatchSize <= 0 {
		o.ReaperBatchSize = 100
	}
	return o
}

// Service implements session initiation, chunk ingestion and assembly.
type Service struct {
	sessions SessionStore
	store    objectstore.Store
	opts     Options
	log      *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService wires the upload service to its session store and object store.
func NewService(sessions SessionStore, store objectstore.Store, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		sessions: sessions,
		store:    store,
		opts:     opts.withDefaults(),
		log:      log,
		tracer:   otel.Tracer("meshdrop/upload"),
		now:      time.Now,
	}
}

// Initiate records a new upload session, or resets an unfinished one when the caller supplies its uploadId.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	fileName := strings.TrimSpace(in.FileName)
	if fileName == "" {
		return InitiateResult{}, missing("fileName")
	}
	if err := s.checkTotalChunks(in.TotalChunks); err != nil {
		return InitiateResult{}, err
	}
	if in.FileSize != nil {
		if *in.FileSize < 0 {
			return InitiateResult{}, &ValidationError{Field: "fileSize", Reason: "must not be negative"}
		}
		if *in.FileSize > int64(in.TotalChunks)*s.opts.MaxChunkSize {
			return InitiateResult{}, &ValidationError{Field: "fileSize", Reason: "exceeds totalChunks times the maximum chunk size"}
		}
	}
	checksum, err := normalizeChecksum(in.Checksum)
	if err != nil {
		return InitiateResult{}, err
	}

	now := s.now().UTC()
	uploadID := strings.TrimSpace(in.UploadID)
	if uploadID == "" {
		if uploadID, err = newUploadID(now); err != nil {
			return InitiateResult{}, err
		}
	} else if !validUploadID(uploadID) {
		return InitiateResult{}, &ValidationError{Field: "uploadId", Reason: "contains unsupported characters"}
	}

	session := Session{
		UploadID:    uploadID,
		FileName:    fileName,
		TotalChunks: in.TotalChunks,
		FileSize:    in.FileSize,
		Checksum:    checksum,
		ContentType: detectContentType(fileName, in.ContentType),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.opts.SessionTTL),
	}

	stored, err := s.sessions.Create(ctx, session)
	if err != nil {
		if errors.Is(err, ErrSessionCompleted) || errors.Is(err, ErrAssemblyInProgress) {
			return InitiateResult{}, err
		}
		return InitiateResult{}, fmt.Errorf("create upload session: %w", err)
	}

	metrics.SessionInitiated()
	s.log.Info("upload session initiated",
		zap.String("upload_id", stored.UploadID),
		zap.String("file_name", stored.FileName),
		zap.Int("total_chunks", stored.TotalChunks),
		zap.Time("expires_at", stored.ExpiresAt),
	)
	return InitiateResult{UploadID: stored.UploadID, ExpiresAt: stored.ExpiresAt}, nil
}

// ReceiveChunk decodes one chunk and writes it to the staging bucket, replacing any previous bytes at that index.
func (s *Service) ReceiveChunk(ctx context.Context, in ChunkInput) (ChunkRecord, error) {
	uploadID := strings.TrimSpace(in.UploadID)
	if uploadID == "" {
		return ChunkRecord{}, missing("uploadId")
	}
	if !validUploadID(uploadID) {
		return ChunkRecord{}, &ValidationError{Field: "uploadId", Reason: "contains unsupported characters"}
	}
	if in.ChunkIndex == nil {
		return ChunkRecord{}, missing("chunkIndex")
	}
	index := *in.ChunkIndex
	if index < 0 {
		return ChunkRecord{}, &ValidationError{Field: "chunkIndex", Reason: "must not be negative"}
	}
	if in.ChunkData == "" {
		return ChunkRecord{}, missing("chunkData")
	}
	if in.TotalChunks > 0 && index >= in.TotalChunks {
		return ChunkRecord{}, &ValidationError{Field: "chunkIndex", Reason: "must be less than totalChunks"}
	}

	data, err := base64.StdEncoding.DecodeString(in.ChunkData)
	if err != nil {
		return ChunkRecord{}, &ValidationError{Field: "chunkData", Reason: "is not valid base64"}
	}
	if len(data) == 0 {
		return ChunkRecord{}, &ValidationError{Field: "chunkData", Reason: "decodes to an empty payload"}
	}
	if int64(len(data)) > s.opts.MaxChunkSize {
		return ChunkRecord{}, ErrChunkTooLarge
	}

	session, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return ChunkRecord{}, err
		}
		return ChunkRecord{}, fmt.Errorf("load upload session: %w", err)
	}
	if err := acceptsChunks(session); err != nil {
		return ChunkRecord{}, err
	}
	if in.TotalChunks > 0 && in.TotalChunks != session.TotalChunks {
		return ChunkRecord{}, &ValidationError{Field: "totalChunks", Reason: "does not match the initiated upload"}
	}
	if index >= session.TotalChunks {
		return ChunkRecord{}, &ValidationError{Field: "chunkIndex", Reason: "must be less than totalChunks"}
	}

	s.ensureBucket(ctx, s.opts.StagingBucket)

	key := ChunkKey(uploadID, index)
	if _, err := s.store.Put(ctx, s.opts.StagingBucket, key, bytes.NewReader(data), int64(len(data)), chunkContentType); err != nil {
		s.log.Error("chunk write failed", zap.String("upload_id", uploadID), zap.Int("chunk_index", index), zap.Error(err))
		return ChunkRecord{}, &StorageError{Op: "put chunk", Key: key, Err: err}
	}

	metrics.ChunkReceived(len(data))
	s.log.Debug("chunk stored",
		zap.String("upload_id", uploadID),
		zap.Int("chunk_index", index),
		zap.Int("size_bytes", len(data)),
	)
	return ChunkRecord{
		UploadID:   uploadID,
		Index:      index,
		SizeBytes:  int64(len(data)),
		StorageKey: key,
		UploadedAt: s.now().UTC(),
	}, nil
}

func acceptsChunks(session Session) error {
	switch session.Status {
	case StatusCompleted:
		return ErrSessionCompleted
	case StatusExpired:
		return ErrSessionExpired
	case StatusAssembling:
		return ErrAssemblyInProgress
	default:
		return nil
	}
}

// Complete assembles the staged chunks of an upload into one final object.
// A completed session returns its stored result, so retries are safe.
func (s *Service) Complete(ctx context.Context, in CompleteInput) (AssembledObject, error) {
	uploadID := strings.TrimSpace(in.UploadID)
	if uploadID == "" {
		return AssembledObject{}, missing("uploadId")
	}
	fileName := strings.TrimSpace(in.FileName)
	if fileName == "" {
		return AssembledObject{}, missing("fileName")
	}
	if err := s.checkTotalChunks(in.TotalChunks); err != nil {
		return AssembledObject{}, err
	}
	checksum, err := normalizeChecksum(in.Checksum)
	if err != nil {
		return AssembledObject{}, err
	}

	// Assembly outlives the request: a disconnecting client must not leave a half-written object.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.AssemblyTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "upload.Complete", trace.WithAttributes(
		attribute.String("upload.id", uploadID),
		attribute.Int("upload.total_chunks", in.TotalChunks),
	))
	defer span.End()

	session, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return AssembledObject{}, err
		}
		return AssembledObject{}, fmt.Errorf("load upload session: %w", err)
	}
	if session.FileName != fileName {
		return AssembledObject{}, &ValidationError{Field: "fileName", Reason: "does not match the initiated upload"}
	}
	if session.TotalChunks != in.TotalChunks {
		return AssembledObject{}, &ValidationError{Field: "totalChunks", Reason: "does not match the initiated upload"}
	}
	if checksum != "" && session.Checksum != "" && checksum != session.Checksum {
		return AssembledObject{}, &ValidationError{Field: "checksum", Reason: "does not match the initiated upload"}
	}
	if checksum == "" {
		checksum = session.Checksum
	}

	if session.Status == StatusCompleted && session.Result != nil {
		s.log.Info("upload already completed", zap.String("upload_id", uploadID))
		return *session.Result, nil
	}

	locked, err := s.sessions.BeginAssembly(ctx, uploadID, s.now().UTC().Add(-s.opts.AssemblyLockTTL))
	if err != nil {
		if errors.Is(err, ErrSessionCompleted) && locked.Result != nil {
			return *locked.Result, nil
		}
		if errors.Is(err, ErrAssemblyInProgress) || errors.Is(err, ErrSessionExpired) ||
			errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionCompleted) {
			return AssembledObject{}, err
		}
		return AssembledObject{}, fmt.Errorf("lock upload session: %w", err)
	}

	start := time.Now()
	s.log.Info("assembly started", zap.String("upload_id", uploadID), zap.Int("total_chunks", locked.TotalChunks))

	result, err := s.assemble(ctx, locked, checksum)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveAssembly(outcomeOf(err), time.Since(start), 0)
		s.log.Error("assembly failed", zap.String("upload_id", uploadID), zap.Error(err))
		if markErr := s.sessions.MarkFailed(ctx, uploadID, err.Error()); markErr != nil {
			s.log.Error("mark upload failed", zap.String("upload_id", uploadID), zap.Error(markErr))
		}
		return AssembledObject{}, err
	}

	metrics.ObserveAssembly("completed", time.Since(start), result.FileSize)
	span.SetAttributes(
		attribute.String("upload.path", result.StoragePath),
		attribute.Int64("upload.size_bytes", result.FileSize),
	)
	s.log.Info("assembly completed",
		zap.String("upload_id", uploadID),
		zap.String("path", result.StoragePath),
		zap.Int64("size_bytes", result.FileSize),
		zap.Duration("elapsed", time.Since(start)),
	)

	if err := s.sessions.MarkCompleted(ctx, uploadID, result); err != nil {
		// Chunks stay staged so the next completion can rebuild the object.
		s.log.Error("mark upload completed", zap.String("upload_id", uploadID), zap.Error(err))
		return result, nil
	}

	s.scheduleCleanup(uploadID)
	return result, nil
}

// Status reports a session and how many of its chunks are currently staged.
func (s *Service) Status(ctx context.Context, uploadID string) (Progress, error) {
	uploadID = strings.TrimSpace(uploadID)
	if uploadID == "" {
		return Progress{}, missing("uploadId")
	}
	if !validUploadID(uploadID) {
		return Progress{}, &ValidationError{Field: "uploadId", Reason: "contains unsupported characters"}
	}

	session, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return Progress{}, err
		}
		return Progress{}, fmt.Errorf("load upload session: %w", err)
	}

	progress := Progress{Session: session}
	if session.Status == StatusCompleted || session.Status == StatusExpired {
		return progress, nil
	}

	objects, err := s.store.List(ctx, s.opts.StagingBucket, ChunkPrefix(uploadID))
	if err != nil {
		return Progress{}, &StorageError{Op: "list chunks", Key: ChunkPrefix(uploadID), Err: err}
	}
	progress.UploadedChunks = len(chunkRecords(uploadID, objects))
	return progress, nil
}

// Ping checks both backends the service depends on.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.sessions.Ping(ctx); err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	return nil
}

func (s *Service) checkTotalChunks(total int) error {
	if total <= 0 {
		return &ValidationError{Field: "totalChunks", Reason: "is required and must be positive"}
	}
	if total > s.opts.MaxChunks {
		return &ValidationError{Field: "totalChunks", Reason: fmt.Sprintf("must not exceed %d", s.opts.MaxChunks)}
	}
	return nil
}

// ensureBucket creates the bucket if needed. Failures are logged and the caller proceeds with its write.
func (s *Service) ensureBucket(ctx context.Context, bucket string) {
	if err := s.store.EnsureBucket(ctx, bucket); err != nil {
		s.log.Warn("ensure bucket failed", zap.String("bucket", bucket), zap.Error(err))
	}
}

func outcomeOf(err error) string {
	var (
		mismatch *ChunkMismatchError
		checksum *ChecksumMismatchError
		assembly *AssemblyError
	)
	switch {
	case errors.As(err, &mismatch):
		return "chunk_mismatch"
	case errors.As(err, &checksum):
		return "checksum_mismatch"
	case errors.As(err, &assembly):
		return "fetch_failed"
	default:
		return "storage_failed"
	}
}
