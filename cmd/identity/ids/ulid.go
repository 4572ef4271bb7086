// Package ids provides ID primitives (ULID) shared by the realtime and identity layers.
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

// NewULID returns a new ULID string (26 chars).
// IDs minted in the same millisecond are strictly increasing, so server message ids
// sort in acceptance order.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	entropyMu.Unlock()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites where entropy failure is unrecoverable.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		panic("ids: ulid entropy failure: " + err.Error())
	}
	return id
}

// Time extracts the embedded timestamp from a ULID string.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
