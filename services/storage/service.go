package storage

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/opentracing/opentracing-go"

	"github.com/customeros/popstack/internal/tracing"
	"github.com/customeros/popstack/services/storage/aws_client"
)

// ObjectStorageService stages email parts in an S3 compatible bucket.
type ObjectStorageService struct {
	client     aws_client.S3Client
	bucketName string
	isPublic   bool
	cdnDomain  string // Optional CDN domain for public URLs
}

type StorageConfig struct {
	BucketName string
	IsPublic   bool   // Whether objects should be publicly accessible
	CDNDomain  string // Optional CDN domain for public URLs
}

func NewStorageService(client aws_client.S3Client, config StorageConfig) *ObjectStorageService {
	return &ObjectStorageService{
		client:     client,
		bucketName: config.BucketName,
		isPublic:   config.IsPublic,
		cdnDomain:  config.CDNDomain,
	}
}

func (s *ObjectStorageService) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	return s.UploadStream(ctx, key, bytes.NewReader(data), contentType)
}

// UploadStream stores body under key. Large bodies go up in parts.
func (s *ObjectStorageService) UploadStream(ctx context.Context, key string, body io.Reader, contentType string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ObjectStorageService.UploadStream")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.SetTag("key", key)

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3manager.UploadInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if s.isPublic {
		input.ACL = aws.String("public-read")
	}

	err := s.client.Upload(ctx, input)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (s *ObjectStorageService) Download(ctx context.Context, key string) ([]byte, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ObjectStorageService.Download")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.SetTag("key", key)

	content, err := s.client.Download(ctx, s.bucketName, key)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return content, nil
}

func (s *ObjectStorageService) Delete(ctx context.Context, key string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ObjectStorageService.Delete")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.SetTag("key", key)

	err := s.client.Delete(ctx, s.bucketName, key)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

// DeletePrefix removes every object whose key starts with prefix.
func (s *ObjectStorageService) DeletePrefix(ctx context.Context, prefix string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ObjectStorageService.DeletePrefix")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.SetTag("prefix", prefix)

	keys, err := s.client.ListKeys(ctx, s.bucketName, prefix)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err = s.client.DeleteKeys(ctx, s.bucketName, keys); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

// GetPublicURL returns a public URL for the object, or "" without a CDN.
func (s *ObjectStorageService) GetPublicURL(key string) string {
	if s.cdnDomain == "" {
		return ""
	}
	return "https://" + strings.TrimSuffix(s.cdnDomain, "/") + "/" + key
}
