package reassembly

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
)

// DefaultShardCount is the default number of shards for the table
const DefaultShardCount = 16

// shard holds the contexts for a subset of keys
type shard struct {
	mu       sync.Mutex
	contexts map[Key]*reassemblyContext
}

// table maps keys to contexts. Keys are spread over shards so unrelated
// datagrams do not contend; the resource counters are global.
type table struct {
	shards []shard
	seed   maphash.Seed
	seq    atomic.Uint64

	contexts  atomic.Int64
	fragments atomic.Int64

	// Negative means unlimited, zero forbids.
	maxContexts  atomic.Int64
	maxFragments atomic.Int64
}

func newTable(shardCount, maxContexts, maxFragments int) *table {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	t := &table{
		shards: make([]shard, shardCount),
		seed:   maphash.MakeSeed(),
	}
	for i := range t.shards {
		t.shards[i].contexts = make(map[Key]*reassemblyContext)
	}
	t.maxContexts.Store(int64(maxContexts))
	t.maxFragments.Store(int64(maxFragments))
	return t
}

// shardFor returns the shard for a given key
func (t *table) shardFor(k Key) *shard {
	return &t.shards[maphash.Comparable(t.seed, k)%uint64(len(t.shards))]
}

// reserve takes one unit of c unless that would exceed limit.
func reserve(c *atomic.Int64, limit int64) bool {
	for {
		cur := c.Load()
		if limit >= 0 && cur >= limit {
			return false
		}
		if c.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (t *table) reserveFragment() bool {
	return reserve(&t.fragments, t.maxFragments.Load())
}

func (t *table) unreserveFragment() {
	t.fragments.Add(-1)
}

// create registers a new context for key in s. It fails when the context
// ceiling is reached. s must be locked.
func (t *table) create(s *shard, key Key, ttl int, ecn uint8) (*reassemblyContext, bool) {
	if !reserve(&t.contexts, t.maxContexts.Load()) {
		return nil, false
	}
	c := newContext(key, t.seq.Add(1), ttl, ecn)
	s.contexts[key] = c
	return c, true
}

// destroy unlinks c from s, releases its share of the counters and hands
// its fragments to the caller for disposal. s must be locked.
func (t *table) destroy(s *shard, c *reassemblyContext) []*fragment {
	delete(s.contexts, c.key)
	t.contexts.Add(-1)
	frags := c.detach()
	t.fragments.Add(-int64(len(frags)))
	return frags
}

// removeFragment drops one queued fragment from c. s must be locked.
func (t *table) removeFragment(c *reassemblyContext, f *fragment) {
	if _, ok := c.frags.Delete(f); ok {
		t.fragments.Add(-1)
	}
}
