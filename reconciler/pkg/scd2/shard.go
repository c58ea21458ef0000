package scd2

import (
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
)

func normalizeWorkers(n int) int {
	if n <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return n
}

func shardOf(key string, shards int) int {
	return int(xxhash.Sum64String(key) % uint64(shards))
}

// forEachShard runs fn once per shard in parallel and waits for all of them.
// Each shard owns a disjoint set of keys, so fn may write to per-shard state
// without locking.
func forEachShard(shards int, fn func(shard int)) {
	var wg sync.WaitGroup
	for s := range shards {
		wg.Go(func() {
			fn(s)
		})
	}
	wg.Wait()
}
