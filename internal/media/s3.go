// internal/media/s3.go
// Package media issues upload slots for manuscript files. Clients upload
// directly to S3-compatible storage using a presigned URL and then cite the
// returned fileRef when submitting a manuscript or version.
package media

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

const uploadExpiry = 15 * time.Minute

var (
	ErrTypeNotAllowed = errors.New("file type not allowed")
	ErrTooLarge       = errors.New("file exceeds maximum size")
	ErrNotUploaded    = errors.New("file has not been uploaded")
)

// Upload is a slot the client may upload one file into.
type Upload struct {
	UploadURL string    `json:"uploadUrl,omitempty"`
	FileRef   string    `json:"fileRef"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// UploadRequest describes the file the client intends to upload.
type UploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Policy restricts uploads by content type and size.
type Policy struct {
	MaxSize      int64
	AllowedTypes []string
}

func (p Policy) Check(r UploadRequest) error {
	if len(p.AllowedTypes) > 0 && !slices.Contains(p.AllowedTypes, r.ContentType) {
		return fmt.Errorf("%w: %s", ErrTypeNotAllowed, r.ContentType)
	}
	if p.MaxSize > 0 && r.Size > p.MaxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, r.Size, p.MaxSize)
	}
	return nil
}

// Store issues upload slots and confirms uploads.
type Store interface {
	InitUpload(ctx context.Context, ownerID string, r UploadRequest) (Upload, error)
	// Verify reports the stored size of fileRef. Refs outside the store are
	// accepted unchecked.
	Verify(ctx context.Context, fileRef string) (int64, error)
}

// S3Client wraps the AWS S3 client for manuscript files.
type S3Client struct {
	client *s3.Client
	bucket string
	policy Policy
}

// NewS3Client creates a client for AWS S3 or an S3-compatible service such as MinIO.
func NewS3Client(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, policy Policy) (*S3Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey}, nil
			})))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // MinIO and other S3-compatible services
	})
	return &S3Client{client: client, bucket: bucket, policy: policy}, nil
}

// InitUpload presigns a PUT for a fresh object key under the owner's prefix.
func (s *S3Client) InitUpload(ctx context.Context, ownerID string, r UploadRequest) (Upload, error) {
	if err := s.policy.Check(r); err != nil {
		return Upload{}, err
	}
	key := ObjectKey(ownerID, r.Filename)
	presigned, err := s3.NewPresignClient(s.client).PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(r.ContentType),
	}, func(o *s3.PresignOptions) {
		o.Expires = uploadExpiry
	})
	if err != nil {
		return Upload{}, fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return Upload{
		UploadURL: presigned.URL,
		FileRef:   "s3://" + s.bucket + "/" + key,
		ExpiresAt: time.Now().UTC().Add(uploadExpiry),
	}, nil
}

// Verify confirms an s3:// ref in this bucket exists and fits the policy.
func (s *S3Client) Verify(ctx context.Context, fileRef string) (int64, error) {
	bucket, key, ok := ParseRef(fileRef)
	if !ok || bucket != s.bucket {
		return 0, nil
	}
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNotUploaded, fileRef, err)
	}
	size := aws.ToInt64(head.ContentLength)
	if s.policy.MaxSize > 0 && size > s.policy.MaxSize {
		return size, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, s.policy.MaxSize)
	}
	return size, nil
}

// Local hands out placeholder refs when no object store is configured.
type Local struct {
	Policy Policy
}

func (l Local) InitUpload(_ context.Context, ownerID string, r UploadRequest) (Upload, error) {
	if err := l.Policy.Check(r); err != nil {
		return Upload{}, err
	}
	return Upload{
		FileRef:   "local://" + ObjectKey(ownerID, r.Filename),
		ExpiresAt: time.Now().UTC().Add(uploadExpiry),
	}, nil
}

func (Local) Verify(context.Context, string) (int64, error) { return 0, nil }

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectKey builds manuscripts/<owner>/<uuid>/<sanitized filename>.
func ObjectKey(ownerID, filename string) string {
	name := unsafeChars.ReplaceAllString(path.Base(strings.TrimSpace(filename)), "_")
	if name == "" || name == "." || name == "_" {
		name = "file"
	}
	owner := unsafeChars.ReplaceAllString(ownerID, "_")
	return path.Join("manuscripts", owner, uuid.NewString(), name)
}

// ParseRef splits s3://bucket/key.
func ParseRef(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
