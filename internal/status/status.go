// Package status reconciles provider delivery receipts against stored
// messages, keeping each message's status monotonic.
package status

import (
	"github.com/loopdesk/loopdesk/internal/channel"
)

// Rank orders delivery statuses along the delivery progression. A receipt
// only advances a message forward along this order; failed outranks
// everything and is absorbing.
func Rank(s channel.MessageStatus) int {
	switch s {
	case channel.StatusPending:
		return 0
	case channel.StatusRetry:
		return 1
	case channel.StatusSent:
		return 2
	case channel.StatusDelivered:
		return 3
	case channel.StatusRead:
		return 4
	case channel.StatusFailed:
		return 5
	default:
		return -1
	}
}

// Terminal reports whether a message in this status will never change again.
func Terminal(s channel.MessageStatus) bool {
	return s == channel.StatusFailed
}
