// Package checkpoint stores suspended optimization state between worker
// invocations. Checkpoints are opaque payloads under a deterministic key;
// a lost checkpoint is recoverable (the affected queues are abandoned), so
// the store is allowed to expire entries.
package checkpoint

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL bounds how long a suspended run may wait for its continuation.
// A continuation chain that stalls longer than this has lost its worker.
const DefaultTTL = time.Hour

// ErrNotFound is returned when no checkpoint exists under a key. Callers
// treat it as a lost checkpoint, not an infrastructure failure.
var ErrNotFound = errors.New("checkpoint not found")

// Key derives the checkpoint key for a session and its batch of queues.
// The queue ids are sorted so the key is stable across attribute orderings.
func Key(sessionID int64, queueIDs []int64) string {
	ids := append([]int64(nil), queueIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "opt-ckpt:" + strconv.FormatInt(sessionID, 10) + ":" + strings.Join(parts, ",")
}

// Store persists checkpoint payloads.
type Store interface {
	// Put stores data under key, replacing any previous payload. A
	// non-positive ttl falls back to DefaultTTL.
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error
	// Get returns the payload under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the payload under key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error
}
