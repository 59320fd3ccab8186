// Package store abstracts the shared tree document every room member
// subscribes to: keyed writes, partial updates, ordered append and
// change subscriptions. Values round-trip through JSON, so readers see
// map[string]any / []any / float64 / string / bool snapshots.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type Store interface {
	// Read returns the value at path, or nil if nothing exists there.
	Read(ctx context.Context, path string) (any, error)
	// Write replaces the whole subtree at path.
	Write(ctx context.Context, path string, value any) error
	// Update merges fields into the node at path, leaving siblings alone.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Append inserts value under path with a store-assigned key and
	// returns the key. Insertion order is preserved.
	Append(ctx context.Context, path string, value any) (string, error)
	// Remove deletes the subtree at path.
	Remove(ctx context.Context, path string) error

	// OnValue delivers the current value at path, then every change at,
	// below or above it. A nil value means the subtree is gone.
	OnValue(path string, fn func(value any)) (Subscription, error)
	// OnChildAdded delivers existing direct children of path in insertion
	// order, then each newly created one.
	OnChildAdded(path string, fn func(key string, value any)) (Subscription, error)
}

// Subscription is a cancellable change listener. Cancel stops delivery;
// it is safe to call from inside the listener itself.
type Subscription interface {
	Cancel()
}

type SubKind string

const (
	SubValue      SubKind = "value"
	SubChildAdded SubKind = "child_added"
)

// Join builds a tree path from segments.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Decode copies a snapshot value into a typed struct via JSON.
func Decode(value any, out any) error {
	if value == nil {
		return fmt.Errorf("decode: no value")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("decode: marshal: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode: unmarshal: %w", err)
	}
	return nil
}

// normalize converts an arbitrary Go value to its JSON shape so that
// local and remote stores hand subscribers identical snapshots.
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return v, nil
}
