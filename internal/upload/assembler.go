package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errDestinationClosed = errors.New("destination write aborted")

// assemble lists, verifies, streams and publishes the final object for a locked session.
func (s *Service) assemble(ctx context.Context, session Session, checksum string) (AssembledObject, error) {
	s.ensureBucket(ctx, s.opts.FinalBucket)

	prefix := ChunkPrefix(session.UploadID)
	objects, err := s.store.List(ctx, s.opts.StagingBucket, prefix)
	if err != nil {
		return AssembledObject{}, &StorageError{Op: "list chunks", Key: prefix, Err: err}
	}

	chunks := chunkRecords(session.UploadID, objects)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	if err := verifyComplete(chunks, session.TotalChunks); err != nil {
		return AssembledObject{}, err
	}

	var size int64
	for _, c := range chunks {
		size += c.SizeBytes
	}

	suffix, err := randomHex(4)
	if err != nil {
		return AssembledObject{}, err
	}
	now := s.now().UTC()
	fileName := sanitizeFilename(session.FileName)
	key := FinalPath(now, suffix, fileName)

	written, sum, err := s.stream(ctx, chunks, key, size, session.ContentType)
	if err != nil {
		return AssembledObject{}, err
	}

	if checksum != "" && checksum != sum {
		s.removeFinal(ctx, key)
		return AssembledObject{}, &ChecksumMismatchError{Expected: checksum, Actual: sum}
	}

	signed, err := s.store.SignedURL(ctx, s.opts.FinalBucket, key, s.opts.SignedURLTTL)
	if err != nil {
		s.removeFinal(ctx, key)
		return AssembledObject{}, &StorageError{Op: "sign url", Key: key, Err: err}
	}

	return AssembledObject{
		StoragePath: key,
		FileName:    fileName,
		FileSize:    written,
		ContentType: session.ContentType,
		Checksum:    sum,
		SignedURL:   signed,
		PublicURL:   s.store.PublicURL(s.opts.FinalBucket, key),
		CreatedAt:   now,
	}, nil
}

// verifyComplete requires chunks (sorted, unique indices) to be exactly 0..total-1.
func verifyComplete(chunks []ChunkRecord, total int) error {
	if len(chunks) != total {
		return &ChunkMismatchError{Expected: total, Found: len(chunks), Missing: -1}
	}
	for i, c := range chunks {
		if c.Index != i {
			return &ChunkMismatchError{Expected: total, Found: len(chunks), Missing: i}
		}
	}
	return nil
}

// stream pipes the ordered chunks into a single Put on the final bucket, hashing on the way.
func (s *Service) stream(ctx context.Context, chunks []ChunkRecord, key string, size int64, contentType string) (int64, string, error) {
	pr, pw := io.Pipe()
	hasher := sha256.New()

	copied := make(chan error, 1)
	go func() {
		err := s.copyChunks(ctx, chunks, io.MultiWriter(pw, hasher))
		pw.CloseWithError(err)
		copied <- err
	}()

	written, putErr := s.store.Put(ctx, s.opts.FinalBucket, key, pr, size, contentType)
	pr.CloseWithError(errDestinationClosed)
	copyErr := <-copied

	if putErr == nil && copyErr == nil {
		return written, hex.EncodeToString(hasher.Sum(nil)), nil
	}

	// Some backends commit the object before reporting the failure.
	s.removeFinal(ctx, key)

	var assemblyErr *AssemblyError
	switch {
	case errors.As(copyErr, &assemblyErr):
		return 0, "", assemblyErr
	case putErr != nil:
		return 0, "", &StorageError{Op: "put object", Key: key, Err: putErr}
	default:
		return 0, "", &StorageError{Op: "put object", Key: key, Err: copyErr}
	}
}

// copyChunks fetches up to FetchConcurrency chunks ahead of the writer and writes them strictly in order.
func (s *Service) copyChunks(ctx context.Context, chunks []ChunkRecord, dst io.Writer) error {
	g, gctx := errgroup.WithContext(ctx)

	window := make(chan struct{}, s.opts.FetchConcurrency)
	ready := make([]chan []byte, len(chunks))
	for i := range ready {
		ready[i] = make(chan []byte, 1)
	}

	g.Go(func() error {
		for i, chunk := range chunks {
			select {
			case window <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			i, chunk := i, chunk
			g.Go(func() error {
				data, err := s.fetchChunk(gctx, chunk)
				if err != nil {
					return &AssemblyError{Index: chunk.Index, Err: err}
				}
				ready[i] <- data
				return nil
			})
		}
		return nil
	})

	g.Go(func() error {
		for i, chunk := range chunks {
			select {
			case data := <-ready[i]:
				if _, err := dst.Write(data); err != nil {
					return fmt.Errorf("write chunk %d: %w", chunk.Index, err)
				}
				<-window
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	return g.Wait()
}

func (s *Service) fetchChunk(ctx context.Context, chunk ChunkRecord) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "upload.fetchChunk", trace.WithAttributes(
		attribute.Int("upload.chunk_index", chunk.Index),
	))
	defer span.End()

	body, err := s.store.Get(ctx, s.opts.StagingBucket, chunk.StorageKey)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	return data, nil
}

func (s *Service) removeFinal(ctx context.Context, key string) {
	if err := s.store.Remove(ctx, s.opts.FinalBucket, key); err != nil {
		s.log.Warn("remove rejected object failed", zap.String("path", key), zap.Error(err))
	}
}
