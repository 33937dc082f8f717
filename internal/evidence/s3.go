package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store is the content-addressed blob backend: the object key is the
// sha256 of the image bytes, so retried stores of the same submission land
// on the same object and can never corrupt existing evidence.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store loads the default AWS config chain.
func NewS3Store(ctx context.Context, bucket string) (*S3Store, error) {
	if bucket == "" {
		return nil, errors.New("evidence bucket required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Save puts the object under its content hash and returns a blob locator.
func (s *S3Store) Save(ctx context.Context, data []byte, _ string) (Locator, error) {
	sum := sha256.Sum256(data)
	blobID := hex.EncodeToString(sum[:])

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(blobID),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return Locator{}, fmt.Errorf("failed to put object %s: %w", blobID, err)
	}
	return Locator{Kind: KindBlob, BlobID: blobID}, nil
}

// Open fetches the blob.
func (s *S3Store) Open(ctx context.Context, loc Locator) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(loc.BlobID),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object %s: %w", loc.BlobID, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Delete removes the blob.
func (s *S3Store) Delete(ctx context.Context, loc Locator) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(loc.BlobID),
	})
	return err
}
