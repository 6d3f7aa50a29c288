// Package sources delivers raw alert notifications to the pipeline.
package sources

import (
	"context"

	"sourcewatch/types"
)

// Source is a message source. Pending returns notifications not yet
// acknowledged; Ack is called after a run has committed them. A source may
// hand the same notification over again until it is acknowledged.
type Source interface {
	Pending(ctx context.Context) ([]types.RawNotification, error)
	Ack(ctx context.Context, ids []string) error
	Close() error
}
