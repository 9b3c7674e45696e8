package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Store implements Store on AWS S3. Writes go through the multipart upload manager,
// so Put accepts streams of unknown length.
type S3Store struct {
	client        *s3.Client
	uploader      *manager.Uploader
	presigner     *s3.PresignClient
	region        string
	publicBaseURL string
}

// NewS3Store constructs an S3-backed store. partSize <= 0 keeps the manager default.
func NewS3Store(client *s3.Client, region, publicBaseURL string, partSize int64) *S3Store {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if partSize >= manager.MinUploadPartSize {
			u.PartSize = partSize
		}
	})
	return &S3Store{
		client:        client,
		uploader:      uploader,
		presigner:     s3.NewPresignClient(client),
		region:        region,
		publicBaseURL: publicBaseURL,
	}
}

func (s *S3Store) EnsureBucket(ctx context.Context, bucket string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("check bucket existence: %w", err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	var objects []ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

func (s *S3Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	return out.Body, nil
}

// Put streams reader through the multipart uploader; size is advisory.
func (s *S3Store) Put(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (int64, error) {
	counter := &countingReader{r: reader}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        counter,
		ContentType: aws.String(contentType),
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return 0, fmt.Errorf("put object %q: %w", key, err)
	}
	if size >= 0 && counter.n != size {
		return counter.n, fmt.Errorf("put object %q: wrote %d bytes, expected %d", key, counter.n, size)
	}
	return counter.n, nil
}

func (s *S3Store) Remove(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("remove object %q: %w", key, err)
	}
	return nil
}

func (s *S3Store) SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	presigned, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign object %q: %w", key, err)
	}
	return presigned.URL, nil
}

func (s *S3Store) PublicURL(bucket, key string) string {
	if s.publicBaseURL != "" {
		return joinPublicURL(s.publicBaseURL, bucket, key)
	}
	return joinPublicURL(fmt.Sprintf("https://s3.%s.amazonaws.com", s.region), bucket, key)
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	return err
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}
