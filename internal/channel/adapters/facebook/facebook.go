// Package facebook integrates Facebook Messenger conversations over the
// Meta Messenger platform.
package facebook

import (
	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/channel/adapters/messenger"
)

// Adapter is the Facebook Messenger channel adapter.
type Adapter struct {
	*messenger.Core
}

// New creates the adapter. graphURL overrides the graph base URL in tests.
func New(graphURL string) *Adapter {
	return &Adapter{Core: messenger.NewCore(channel.TypeFacebook, graphURL)}
}
