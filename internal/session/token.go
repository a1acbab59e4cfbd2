// Package session generates the correlation token that links one upload
// attempt to the job record the server creates for its relay.
package session

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Generate returns a fresh token for one upload attempt. It never fails: when
// the system random source is unavailable it falls back to a timestamp plus a
// pseudo-random suffix.
func Generate() string {
	return generate(uuid.NewRandom, time.Now)
}

func generate(newRandom func() (uuid.UUID, error), now func() time.Time) string {
	id, err := newRandom()
	if err == nil {
		return id.String()
	}
	return fmt.Sprintf("%x-%016x", now().UnixNano(), rand.Uint64())
}
