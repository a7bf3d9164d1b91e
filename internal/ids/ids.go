package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewDoc returns a lexicographically sortable identifier for store documents
// and audit entries.
func NewDoc() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewLink returns a random identifier for links. The link id doubles as the
// `jti` claim of the minted credential, so it must not be guessable from
// issue order.
func NewLink() string {
	return uuid.NewString()
}
