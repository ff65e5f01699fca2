// Package platform defines the lifecycle of a live market-data source.
package platform

import (
	"context"
)

// Platform is a long-running quote source. Start blocks until ctx is
// cancelled; Watch may be called at any time, before or after Start.
type Platform interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Watch(ctx context.Context, tokenIDs ...string) error
}
