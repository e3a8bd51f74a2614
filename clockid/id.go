package clockid

import (
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDGenerator produces globally unique, monotonically sortable,
// ULID-like identifiers from an injected Clock and entropy source, so ID
// sequences are reproducible in tests.
type IDGenerator struct {
	mu      sync.Mutex
	clock   Clock
	entropy io.Reader
}

// NewIDGenerator builds a generator. A nil entropy source defaults to
// ulid.DefaultEntropy() (a process-wide monotonic source over math/rand).
func NewIDGenerator(clock Clock, entropy io.Reader) *IDGenerator {
	if clock == nil {
		clock = SystemClock{}
	}
	if entropy == nil {
		entropy = ulid.DefaultEntropy()
	}
	return &IDGenerator{clock: clock, entropy: entropy}
}

// NewID returns a new monotonic, lexically sortable identifier string.
func (g *IDGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(g.clock.Now()), g.entropy)
	return id.String()
}

// NewOpaqueID returns a non-monotonic opaque identifier, used for values
// that don't need to sort (bus message IDs).
func NewOpaqueID() string {
	return uuid.NewString()
}
