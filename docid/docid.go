// Package docid defines the UUID version token attached to every document
// revision moving through the federated datastore. Tokens are monotonic and
// totally ordered (ulid.ULID's lexicographic byte order), so two revisions
// of the same document can always be compared for recency without a shared
// clock or a round trip to either tier.
package docid

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// UUID is a totally ordered version token. The zero value (Nil) sorts
// before every generated UUID, matching the datastore contract's rule that
// an absent UUID is older than any present one.
type UUID struct {
	id ulid.ULID
}

// Nil is the absent-version token.
var Nil = UUID{}

var entropy = ulid.Monotonic(rand.Reader, 0)

// New mints a fresh UUID ordered after every UUID minted before it on this
// process.
func New() UUID {
	return UUID{id: ulid.MustNew(ulid.Timestamp(time.Now()), entropy)}
}

// Parse recovers a UUID from its canonical 26-character string form.
func Parse(s string) (UUID, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return Nil, err
	}
	return UUID{id: id}, nil
}

// String renders the canonical form.
func (u UUID) String() string {
	return u.id.String()
}

// IsNil reports whether u is the absent-version token.
func (u UUID) IsNil() bool {
	return u == Nil
}

// Compare implements the external total order named by the datastore
// contract (UUIDs.compare): negative if u sorts before other, zero if
// equal, positive if after. Nil sorts before any present UUID.
func Compare(a, b UUID) int {
	return a.id.Compare(b.id)
}

// Newer reports whether a is strictly more recent than b.
func Newer(a, b UUID) bool {
	return Compare(a, b) > 0
}

// MarshalText and UnmarshalText let UUID sit directly inside JSON- or
// text-encoded document metadata without a bespoke codec.
func (u UUID) MarshalText() ([]byte, error) {
	return []byte(u.id.String()), nil
}

func (u *UUID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*u = Nil
		return nil
	}
	id, err := ulid.ParseStrict(string(text))
	if err != nil {
		return err
	}
	u.id = id
	return nil
}
