// Package cache defines the namespaced TTL key-value store the pipeline
// consumes, with Redis and in-memory implementations.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Namespaces used by the pipeline. Reports and attributions live under a
// TTL; the *_stale copies are written without expiry so a failed
// regeneration can degrade to the last known value.
const (
	NamespaceReport           = "report"
	NamespaceReportWindow     = "report_window"
	NamespaceReportHistory    = "report_history"
	NamespaceAttributions     = "attributions"
	NamespaceAttributionStale = "attributions_stale"
	NamespaceSummaryWindow    = "summary_window"
	NamespaceSummaryLatest    = "summary_latest"
	NamespaceSummaryHistory   = "summary_history"
)

// Store is a namespaced get/put/delete cache with per-entry TTL. A zero
// ttl means no expiry. Implementations return ok=false for missing keys
// rather than an error.
type Store interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, namespace, key string) error
}

// GetJSON reads and unmarshals a cached value.
func GetJSON[T any](ctx context.Context, s Store, namespace, key string) (T, bool, error) {
	var out T
	raw, ok, err := s.Get(ctx, namespace, key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("cache decode %s:%s: %w", namespace, key, err)
	}
	return out, true, nil
}

// PutJSON marshals and stores a value.
func PutJSON(ctx context.Context, s Store, namespace, key string, val any, ttl time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("cache encode %s:%s: %w", namespace, key, err)
	}
	return s.Put(ctx, namespace, key, raw, ttl)
}
