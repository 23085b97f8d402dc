//go:build gcp

package source

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

func fetchGCS(ctx context.Context, bucket, object string) ([]byte, error) {
	// Uses application default credentials.
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	defer func() { _ = client.Close() }()

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for gs://%s/%s: %w", bucket, object, err)
	}
	defer func() { _ = r.Close() }()
	return readLimited(r)
}
