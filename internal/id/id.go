// Package id generates identifiers for ledger and trade records.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces ULIDs stamped with a caller supplied time. Two
// generators built from the same seed and fed the same times return the same
// sequence, which keeps backtests reproducible.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewGenerator returns a deterministic generator for seed. A zero seed draws
// one from crypto/rand.
func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = randomSeed()
	}
	return &Generator{entropy: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)}
}

// New returns a ULID for t. IDs requested for the same millisecond stay
// lexicographically increasing.
func (g *Generator) New(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t.UTC()), g.entropy)
	if err != nil {
		// only on entropy overflow within one millisecond
		panic(err)
	}
	return id.String()
}

// UUID returns a random v4 UUID, used for account and run identifiers.
func UUID() string { return uuid.NewString() }

func randomSeed() int64 {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return seed
}
