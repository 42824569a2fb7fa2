package smtp

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionIDFactory hands out ULIDs for sessions. Ids created later sort
// after earlier ones, also within the same millisecond.
type SessionIDFactory struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy *ulid.MonotonicEntropy
}

// NewSessionIDFactory creates a SessionIDFactory backed by crypto/rand.
func NewSessionIDFactory() *SessionIDFactory {
	return &SessionIDFactory{
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Create returns a new session id.
func (f *SessionIDFactory) Create() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(f.now()), f.entropy).String()
}
