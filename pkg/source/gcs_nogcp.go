//go:build !gcp

package source

import (
	"context"
	"fmt"
)

func fetchGCS(ctx context.Context, bucket, object string) ([]byte, error) {
	return nil, fmt.Errorf("%w: gs:// is not enabled in this build (use -tags gcp)", ErrUnsupportedScheme)
}
