//go:build !gcp

package source_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/webproof/pkg/source"
)

func TestFetch_GCSRequiresBuildTag(t *testing.T) {
	_, err := source.NewLoader().Fetch(context.Background(), "gs://bucket/m.json")
	assert.ErrorIs(t, err, source.ErrUnsupportedScheme)
}
