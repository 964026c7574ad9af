package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ErrUnsupportedMedia is returned for content types the provider cannot deliver
var ErrUnsupportedMedia = errors.New("unsupported media type")

// attachmentTypes maps the content types a message can carry to their file extension
var attachmentTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"audio/mpeg":      ".mp3",
	"audio/ogg":       ".ogg",
	"video/mp4":       ".mp4",
	"video/3gpp":      ".3gp",
	"application/pdf": ".pdf",
	"text/vcard":      ".vcf",
}

// Supported reports whether contentType can be attached to a message
func Supported(contentType string) bool {
	_, ok := attachmentTypes[normalizeType(contentType)]
	return ok
}

func normalizeType(contentType string) string {
	ct, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// S3Config holds S3/MinIO configuration
type S3Config struct {
	Endpoint        string // e.g., "http://localhost:9000" for MinIO
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	PublicURL       string // Base URL the provider fetches attachments from
}

// S3Storage keeps outbound message attachments in an S3-compatible bucket
type S3Storage struct {
	client    *s3.Client
	bucket    string
	publicURL string
	now       func() time.Time
}

// NewS3Storage creates a new S3 storage client
func NewS3Storage(cfg S3Config) *S3Storage {
	client := s3.New(s3.Options{
		Region:       cfg.Region,
		BaseEndpoint: aws.String(cfg.Endpoint),
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
		UsePathStyle: true, // Required for MinIO
	})

	return &S3Storage{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		now:       time.Now,
	}
}

// UploadInput represents an attachment to store
type UploadInput struct {
	Reader      io.Reader
	ContentType string
	Size        int64
	Filename    string
}

// UploadOutput represents a stored attachment
type UploadOutput struct {
	Key  string
	URL  string // Public URL, usable as a message media URL
	Size int64
}

// Upload stores an attachment and returns its public URL
func (s *S3Storage) Upload(ctx context.Context, in UploadInput) (*UploadOutput, error) {
	contentType := normalizeType(in.ContentType)
	ext, ok := attachmentTypes[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, in.ContentType)
	}
	if fileExt := strings.ToLower(path.Ext(in.Filename)); fileExt != "" {
		ext = fileExt
	}

	key := AttachmentKey(s.now(), uuid.NewString(), ext)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          in.Reader,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(in.Size),
	})
	if err != nil {
		return nil, fmt.Errorf("uploading to s3: %w", err)
	}

	return &UploadOutput{
		Key:  key,
		URL:  s.publicURL + "/" + key,
		Size: in.Size,
	}, nil
}

// AttachmentKey builds the object key for an attachment uploaded at t
func AttachmentKey(t time.Time, id, ext string) string {
	return fmt.Sprintf("attachments/%s/%s%s", t.UTC().Format("2006/01/02"), id, ext)
}
