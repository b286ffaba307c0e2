package interfaces

import (
	"context"
	"io"
)

// StorageService stages downloaded bodies and parts.
type StorageService interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	UploadStream(ctx context.Context, key string, body io.Reader, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	GetPublicURL(key string) string
}
