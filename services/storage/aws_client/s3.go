package aws_client

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/opentracing/opentracing-go"

	"github.com/customeros/popstack/internal/tracing"
)

// deleteBatchSize is the S3 limit for one DeleteObjects call.
const deleteBatchSize = 1000

type S3Client interface {
	Upload(ctx context.Context, input *s3manager.UploadInput) error
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	ListKeys(ctx context.Context, bucket, prefix string) ([]string, error)
	Delete(ctx context.Context, bucket, key string) error
	DeleteKeys(ctx context.Context, bucket string, keys []string) error
}

type s3Client struct {
	api        s3iface.S3API
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

func NewS3Client(config *aws.Config) S3Client {
	s := session.Must(session.NewSession(config))
	return NewS3ClientWithAPI(s3.New(s))
}

// NewS3ClientWithAPI builds the client around an existing S3 API
// implementation.
func NewS3ClientWithAPI(api s3iface.S3API) S3Client {
	return &s3Client{
		api:        api,
		uploader:   s3manager.NewUploaderWithClient(api),
		downloader: s3manager.NewDownloaderWithClient(api),
	}
}

func (s *s3Client) Upload(ctx context.Context, input *s3manager.UploadInput) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "s3Client.Upload")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	_, err := s.uploader.UploadWithContext(ctx, input)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (s *s3Client) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "s3Client.Download")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	buffer := &aws.WriteAtBuffer{}
	_, err := s.downloader.DownloadWithContext(ctx, buffer, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return buffer.Bytes(), nil
}

func (s *s3Client) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "s3Client.ListKeys")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	err := s.api.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		return true
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return keys, nil
}

func (s *s3Client) Delete(ctx context.Context, bucket, key string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "s3Client.Delete")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	_, err := s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (s *s3Client) DeleteKeys(ctx context.Context, bucket string, keys []string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "s3Client.DeleteKeys")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.SetTag("count", len(keys))

	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		objects := make([]*s3.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(key)})
		}
		_, err := s.api.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			tracing.TraceErr(span, err)
			return err
		}
	}
	return nil
}
