// Package identity defines the runner identity shared between a GitHub
// runner registration and the compute instance that hosts it.  The name
// is the only join key between the two systems: the garbage collector
// cross-references instances and registrations purely by it.
package identity

import (
	"math/rand/v2"
	"strings"
)

// DefaultPrefix is the fleet prefix used when none is configured.
const DefaultPrefix = "gha"

// suffixLen is the length of the random suffix appended to the prefix.
const suffixLen = 5

const alphabet = "abcdefghijklmnopqrstuvwxyz"

// Name is a runner identity of the form "<prefix>-<suffix>".  It names
// both the runner registration and the backing compute instance.
type Name string

// Generate returns a fresh Name under prefix with a random lowercase
// suffix.  Collisions are statistically negligible and not handled.
func Generate(prefix string) Name {
	var b strings.Builder
	b.Grow(len(prefix) + 1 + suffixLen)
	b.WriteString(prefix)
	b.WriteByte('-')
	for range suffixLen {
		b.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return Name(b.String())
}

// Managed reports whether n belongs to the fleet identified by prefix.
func (n Name) Managed(prefix string) bool {
	return strings.HasPrefix(string(n), prefix+"-")
}

func (n Name) String() string {
	return string(n)
}
