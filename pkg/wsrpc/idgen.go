package wsrpc

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDGenerator returns the id for the next outbound request. Values must
// marshal to a JSON string or number and must not repeat while in flight.
type IDGenerator func() any

// SequentialIDs returns increasing integer ids starting at 1.
func SequentialIDs() IDGenerator {
	var next int64
	return func() any {
		return atomic.AddInt64(&next, 1)
	}
}

// ULIDs returns lexically sortable string ids.
func ULIDs() IDGenerator {
	var mu sync.Mutex
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return func() any {
		mu.Lock()
		defer mu.Unlock()
		return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	}
}

// UUIDs returns random version 4 UUID strings.
func UUIDs() IDGenerator {
	return func() any {
		return uuid.NewString()
	}
}
