// Package artifact archives the log of a run once it has finished, to a
// local directory, an S3 bucket or an Azure Blob Storage container.
//
// It is intended for internal use by deploystep only.
package artifact

import (
	"context"
	"fmt"
)

// Uploader puts a single file somewhere durable.
type Uploader interface {
	// Upload copies the file at localPath to name, relative to the
	// uploader's destination, and returns where it ended up.
	Upload(ctx context.Context, localPath, name string) (string, error)
}

// defaultUploader returns the Uploader for a parsed destination.
func defaultUploader(ctx context.Context, c *Collector, d Destination) (Uploader, error) {
	switch d.Kind {
	case KindLocal:
		return &LocalUploader{Dir: d.Path}, nil

	case KindS3:
		return NewS3Uploader(ctx, c.logger(), S3UploaderConfig{
			BucketName: d.Bucket,
			BucketPath: d.Path,
		})

	case KindAzureBlob:
		return NewAzureBlobUploader(c.logger(), AzureBlobUploaderConfig{
			Location: &AzureBlobLocation{
				StorageAccountName: d.Account,
				ContainerName:      d.Bucket,
				BlobPath:           d.Path,
			},
		})

	default:
		return nil, fmt.Errorf("unsupported artifact destination %q", d.Raw)
	}
}
