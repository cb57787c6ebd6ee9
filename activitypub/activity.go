package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler is implemented by every inbound activity type this node accepts.
// Verify checks structure and permissions without side effects; Receive
// applies the state change. Both may resolve further actors, paid for from
// the pipeline's budget.
type Handler interface {
	Common() *ActivityCommon
	Verify(ctx context.Context, e *Engine, budget *FetchBudget) error
	Receive(ctx context.Context, e *Engine, budget *FetchBudget) error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Handler{}
)

// Register adds an activity type to the set ParseActivity understands.
func Register(kind string, factory func() Handler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic("activitypub: duplicate handler for " + kind)
	}
	registry[kind] = factory
}

// RegisteredTypes lists the accepted activity types.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ParseActivity decodes body into the handler registered for its type.
// Anything outside the registered set is malformed.
func ParseActivity(body []byte) (Handler, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}

	registryMu.RLock()
	factory, ok := registry[head.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unsupported type %q", ErrMalformedActivity, head.Type)
	}

	h := factory()
	if err := json.Unmarshal(body, h); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedActivity, head.Type, err)
	}
	if err := h.Common().validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// objectURIOf extracts the id of the object of a raw activity, for the
// activity log.
func objectURIOf(body []byte) string {
	var head struct {
		Object ObjectRef `json:"object"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return ""
	}
	return head.Object.ID
}
