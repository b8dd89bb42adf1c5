package util

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

// NewID returns a random identifier for long-lived entities (tasks, sections,
// runners, sessions, workstreams).
func NewID() string {
	return uuid.NewString()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewSequentialID returns a lexicographically sortable identifier for
// append-only rows (audit, activity, invocations). IDs generated in the same
// millisecond still sort in creation order.
func NewSequentialID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// ProjectHash returns a short stable hash of a normalized project path, used
// to key per-project workspace directories.
func ProjectHash(projectPath string) string {
	sum := blake3.Sum256([]byte(projectPath))
	return fmt.Sprintf("%x", sum[:8])
}

// ContentHash returns the blake3 hash of file contents, hex encoded.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}
