package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a time-sortable ULID encoded as a 26-character string.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewEnvelopeID mints an identifier for an envelope whose sender did not
// assign one. Envelope IDs double as the dedupe key for consumers and
// adapters, so they must never be reused across retries.
func NewEnvelopeID() string { return New() }

// NewTraceID mints a request-scoped trace identifier.
func NewTraceID() string { return New() }
