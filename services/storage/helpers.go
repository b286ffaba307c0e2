package storage

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/pkg/errors"

	"github.com/customeros/popstack/internal/config"
	"github.com/customeros/popstack/services/storage/aws_client"
)

const (
	ProviderR2 = "r2"
	ProviderS3 = "s3"
)

// NewStorageServiceFor builds the part store for the configured provider.
func NewStorageServiceFor(provider string, r2 *config.R2StorageConfig, s3 *config.S3StorageConfig) (*ObjectStorageService, error) {
	switch provider {
	case ProviderR2, "":
		if r2.AccountID == "" || r2.AccessKeyID == "" || r2.AccessKeySecret == "" {
			return nil, errors.New("CLOUDFLARE_R2_ACCOUNT_ID, CLOUDFLARE_R2_ACCESS_KEY_ID and CLOUDFLARE_R2_ACCESS_KEY_SECRET are required for r2 storage")
		}
		return NewR2StorageService(r2), nil
	case ProviderS3:
		return NewS3StorageService(s3), nil
	}
	return nil, errors.Errorf("unknown storage provider %q", provider)
}

// NewS3StorageService creates a StorageService configured for AWS S3.
// Empty keys fall back to the SDK's default credential chain.
func NewS3StorageService(cfg *config.S3StorageConfig) *ObjectStorageService {
	awsConfig := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.AccessKeySecret, "")
	}
	s3Client := aws_client.NewS3Client(awsConfig)

	return NewStorageService(s3Client, StorageConfig{
		BucketName: cfg.EmailPartBucket,
	})
}

// NewR2StorageService creates a StorageService configured for Cloudflare R2
func NewR2StorageService(cfg *config.R2StorageConfig) *ObjectStorageService {
	r2Client := aws_client.NewS3Client(&aws.Config{
		Endpoint:         aws.String("https://" + cfg.AccountID + ".r2.cloudflarestorage.com"),
		Region:           aws.String("auto"),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.AccessKeySecret, ""),
		S3ForcePathStyle: aws.Bool(true),
	})

	return NewStorageService(r2Client, StorageConfig{
		BucketName: cfg.EmailPartBucket,
		CDNDomain:  cfg.CDNDomain,
	})
}
