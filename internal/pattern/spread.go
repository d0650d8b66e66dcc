package pattern

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"
)

const maxStartupSpread = 30 * time.Second

var spreadSeq atomic.Uint64

// StartupSpread returns a random delay in [0, min(every, 30s)) for the first
// run of an interval schedule, so schedules registered together do not all
// fire on the same tick.
func StartupSpread(every time.Duration, tag string) time.Duration {
	spreadMax := min(every, maxStartupSpread)
	if spreadMax <= 0 {
		return 0
	}
	seed := time.Now().UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(fnv64a(tag))
	return time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(spreadMax)))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
