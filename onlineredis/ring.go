package onlineredis

import (
	"hash/fnv"

	rendezvous "github.com/dgryski/go-rendezvous"
)

// ring routes a caller-supplied hashKey to a partition name using
// rendezvous (highest random weight) hashing — the same algorithm
// go-redis's own Ring client uses to shard keys across nodes, reused here
// to shard pub/sub channels across partitions (spec.md §4.1: "a
// consistent-hash ring built from partitionNames").
type ring struct {
	names []string
	rv    *rendezvous.Rendezvous
}

func newRing(partitionNames []string) *ring {
	names := append([]string(nil), partitionNames...)
	return &ring{
		names: names,
		rv:    rendezvous.New(names, hashString),
	}
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// partitionFor returns the partition name that owns hashKey.
func (r *ring) partitionFor(hashKey string) string {
	return r.rv.Lookup(hashKey)
}
