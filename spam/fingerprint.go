package spam

import (
	"strings"

	"github.com/spaolacci/murmur3"
)

// Fingerprint hashes message content after normalization, so trivial
// whitespace/case tweaks don't defeat duplicate detection. Not
// collision-resistant; fine for advisory counting.
func Fingerprint(text string) uint64 {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	return murmur3.Sum64([]byte(norm))
}
