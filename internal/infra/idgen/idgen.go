// Package idgen generates sortable ULID identifiers.
package idgen

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a ULID for the current time. IDs created within the same
// millisecond are strictly increasing.
func New() string {
	return At(time.Now())
}

// At returns a ULID with the timestamp t.
func At(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
