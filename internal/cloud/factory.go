package cloud

import (
	"context"
	"fmt"

	"studysync/internal/config"
	"studysync/internal/replica"
)

// NewCloudFromConfig creates a CloudAdapter implementation based on the cloud config type.
func NewCloudFromConfig(ctx context.Context, cfg config.CloudConfig) (replica.CloudAdapter, error) {
	switch cfg.Type {
	case config.CloudMemory:
		return NewMemoryCloud(nil), nil
	case config.CloudS3:
		c, err := NewS3Cloud(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.CloudFilesystem:
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem cloud requires fs_root to be set")
		}
		return NewFileSystemCloud(cfg.FSRoot), nil
	default:
		return nil, fmt.Errorf("unknown cloud type: %s", cfg.Type)
	}
}
