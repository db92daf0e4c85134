//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	return nil, fmt.Errorf("GCS archive sink is not enabled in this build (use -tags gcp)")
}
