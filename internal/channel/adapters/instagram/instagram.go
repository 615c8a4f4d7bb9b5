// Package instagram integrates Instagram direct messages over the Meta
// Messenger platform.
package instagram

import (
	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/channel/adapters/messenger"
)

// Adapter is the Instagram channel adapter.
type Adapter struct {
	*messenger.Core
}

// New creates the adapter. graphURL overrides the graph base URL in tests.
func New(graphURL string) *Adapter {
	return &Adapter{Core: messenger.NewCore(channel.TypeInstagram, graphURL)}
}
