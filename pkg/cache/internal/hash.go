package internal

import (
	"fmt"
	"hash/fnv"
)

// ComputeHash returns a 64-bit FNV-1a hash of key's string form. The
// frequency sketches only need a stable, well-distributed hash, not a
// keyed one.
func ComputeHash(key any) uint64 {
	h := fnv.New64a()

	switch k := key.(type) {
	case string:
		_, _ = h.Write([]byte(k))
	case fmt.Stringer:
		_, _ = h.Write([]byte(k.String()))
	default:
		_, _ = fmt.Fprintf(h, "%v", k)
	}

	return h.Sum64()
}
