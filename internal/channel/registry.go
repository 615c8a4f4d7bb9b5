package channel

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnsupportedType is wrapped by registry lookups for unknown channel types.
var ErrUnsupportedType = errors.New("unsupported channel type")

// Registry holds all registered channel adapters. Adapters are registered at
// startup, so a missing handler is a construction-time failure instead of a
// runtime dispatch error.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Type]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[Type]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter is nil")
	}
	ct := normalizeType(adapter.Type().String())
	if ct == "" {
		return errors.New("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType Type) (Adapter, bool) {
	ct := normalizeType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[ct]
	return adapter, ok
}

// GetSender returns the Sender for the given channel type, or false if the
// type is unknown or its adapter cannot send.
func (r *Registry) GetSender(channelType Type) (Sender, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	sender, ok := adapter.(Sender)
	return sender, ok
}

// GetFormatter returns the Formatter for the given channel type, or nil if
// the adapter does not transform content.
func (r *Registry) GetFormatter(channelType Type) (Formatter, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	formatter, ok := adapter.(Formatter)
	return formatter, ok
}

// Types returns all registered channel types.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Type, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	return items
}

// ParseType validates and normalizes a raw string into a registered Type.
func (r *Registry) ParseType(raw string) (Type, error) {
	ct := normalizeType(raw)
	if ct == "" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, raw)
	}
	if _, ok := r.Get(ct); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, raw)
	}
	return ct, nil
}

func normalizeType(raw string) Type {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return Type(normalized)
}
