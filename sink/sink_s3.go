package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Option tunes every object written by an S3 writer.
type S3Option func(*s3Settings)

type s3Settings struct {
	storageClass s3types.StorageClass
	sse          s3types.ServerSideEncryption
	kmsKeyID     string
	metadata     map[string]string
}

// WithStorageClass stores objects in the given class, e.g. "STANDARD_IA".
func WithStorageClass(class string) S3Option {
	return func(s *s3Settings) { s.storageClass = s3types.StorageClass(class) }
}

// WithKMSKey encrypts objects with SSE-KMS under keyID. An empty keyID uses
// the bucket's default KMS key.
func WithKMSKey(keyID string) S3Option {
	return func(s *s3Settings) {
		s.sse = s3types.ServerSideEncryptionAwsKms
		s.kmsKeyID = keyID
	}
}

// WithMetadata adds user metadata to every object.
func WithMetadata(md map[string]string) S3Option {
	return func(s *s3Settings) {
		if s.metadata == nil {
			s.metadata = make(map[string]string, len(md))
		}
		for k, v := range md {
			s.metadata[k] = v
		}
	}
}

// S3 is a Writer that puts each object under prefix in one bucket.
type S3 struct {
	client s3API
	bucket string
	prefix string
	set    s3Settings
}

func NewS3(client s3API, bucket, prefix string, opts ...S3Option) (*S3, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}

	s := &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
	for _, opt := range opts {
		opt(&s.set)
	}
	if s.set.storageClass != "" && !validStorageClass(s.set.storageClass) {
		return nil, fmt.Errorf("unknown storage class %q", s.set.storageClass)
	}
	return s, nil
}

func validStorageClass(c s3types.StorageClass) bool {
	for _, v := range c.Values() {
		if v == c {
			return true
		}
	}
	return false
}

// ObjectKey is the full key a WriteRequest key is stored under. Keys are
// joined, not cleaned, so "a/../b" stays as is.
func (s *S3) ObjectKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3) Write(ctx context.Context, req WriteRequest) error {
	if req.Key == "" || strings.HasSuffix(req.Key, "/") {
		return fmt.Errorf("invalid object key %q", req.Key)
	}

	key := s.ObjectKey(req.Key)
	size := int64(len(req.Data))
	in := &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(req.Data),
		ContentLength: &size,
		StorageClass:  s.set.storageClass,
		Metadata:      s.set.metadata,
	}
	if req.ContentType != "" {
		in.ContentType = &req.ContentType
	}
	if s.set.sse != "" {
		in.ServerSideEncryption = s.set.sse
		if s.set.kmsKeyID != "" {
			in.SSEKMSKeyId = &s.set.kmsKeyID
		}
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put s3://%s/%s (%d bytes): %w", s.bucket, key, size, err)
	}
	return nil
}

