// Package storage issues presigned URLs for job input and output images.
// Image bytes never pass through the API servers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/pixelmind/backend/internal/config"
)

var ErrUnsupportedType = errors.New("unsupported image content type")

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

// Upload is a presigned PUT the client uses to send an input image
type Upload struct {
	Ref       string    `json:"ref"`
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Presigner struct {
	presignClient *s3.PresignClient
	bucket        string
	ttl           time.Duration
}

func NewPresigner(ctx context.Context, cfg config.StorageConfig) (*Presigner, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}

	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		optFns = append(optFns, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Presigner{
		presignClient: s3.NewPresignClient(s3.NewFromConfig(awsCfg, s3Options...)),
		bucket:        cfg.Bucket,
		ttl:           ttl,
	}, nil
}

// PresignUpload returns a PUT URL for a new input image owned by accountID
func (p *Presigner) PresignUpload(ctx context.Context, accountID, contentType string) (*Upload, error) {
	ext, ok := extensions[strings.ToLower(contentType)]
	if !ok {
		return nil, ErrUnsupportedType
	}

	key := path.Join("inputs", accountID, uuid.NewString()+ext)
	presigned, err := p.presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload: %w", err)
	}

	return &Upload{
		Ref:       fmt.Sprintf("s3://%s/%s", p.bucket, key),
		Key:       key,
		URL:       presigned.URL,
		Method:    presigned.Method,
		ExpiresAt: time.Now().Add(p.ttl),
	}, nil
}

// PresignDownload turns an s3:// ref in this bucket into a GET URL. Other refs
// are returned unchanged.
func (p *Presigner) PresignDownload(ctx context.Context, ref string) (string, error) {
	prefix := fmt.Sprintf("s3://%s/", p.bucket)
	key, ok := strings.CutPrefix(ref, prefix)
	if !ok {
		return ref, nil
	}

	presigned, err := p.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign download: %w", err)
	}
	return presigned.URL, nil
}

// OwnsRef reports whether ref is an input image uploaded by accountID
func (p *Presigner) OwnsRef(accountID, ref string) bool {
	return strings.HasPrefix(ref, fmt.Sprintf("s3://%s/inputs/%s/", p.bucket, accountID))
}
