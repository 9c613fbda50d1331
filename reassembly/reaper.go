package reassembly

import (
	"context"
	"runtime/metrics"
	"slices"
	"time"

	"github.com/Mmx233/frag6d/protocol"
)

// expire disposes of the fragments of a context that ran out of time. If
// the offset 0 fragment is present its packet, with the addresses of the
// key written back, is returned for a single time exceeded error; the rest
// are released.
func expire(key Key, frags []*fragment, errs []pendingError) []pendingError {
	for _, f := range frags {
		if f.offset != 0 {
			f.take().Release()
			continue
		}
		pkt := f.take()
		ip := protocol.IPv6(pkt.Bytes())
		ip.SetSrc(key.Src)
		ip.SetDst(key.Dst)
		errs = append(errs, pendingError{
			pkt:  pkt,
			typ:  TimeExceeded,
			code: CodeReassemblyTimeout,
		})
	}
	return errs
}

// Tick ages every context by one tick and destroys those whose TTL ran
// out. Afterwards the context ceiling is enforced and, if a pressure check
// is installed and fires, everything is drained.
func (r *Reassembler) Tick() {
	var errs []pendingError
	expired := 0
	for i := range r.table.shards {
		s := &r.table.shards[i]
		s.mu.Lock()
		for _, c := range s.contexts {
			c.ttl--
			if c.ttl > 0 {
				continue
			}
			frags := r.table.destroy(s, c)
			r.count(c.key, EventTimeout)
			errs = expire(c.key, frags, errs)
			expired++
		}
		s.mu.Unlock()
	}
	r.flush(errs)
	if expired > 0 {
		r.logger.Debug().Int("expired", expired).Msg("reassembly contexts timed out")
	}

	r.EnforceCeiling()

	if r.pressure != nil && r.pressure() {
		r.logger.Warn().Int("contexts", r.Contexts()).Int("fragments", r.Fragments()).Msg("memory pressure, draining reassembly table")
		r.Drain()
	}
}

// EnforceCeiling evicts the oldest contexts until the context count is
// back within a lowered maximum. Evicted contexts generate no errors.
func (r *Reassembler) EnforceCeiling() {
	limit := r.table.maxContexts.Load()
	if limit < 0 || r.table.contexts.Load() <= limit {
		return
	}

	type victim struct {
		seq uint64
		key Key
	}
	var all []victim
	for i := range r.table.shards {
		s := &r.table.shards[i]
		s.mu.Lock()
		for k, c := range s.contexts {
			all = append(all, victim{seq: c.seq, key: k})
		}
		s.mu.Unlock()
	}
	slices.SortFunc(all, func(a, b victim) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	evicted := 0
	for _, v := range all {
		if r.table.contexts.Load() <= limit {
			break
		}
		s := r.table.shardFor(v.key)
		s.mu.Lock()
		// The context may have completed or been replaced since the scan.
		if c, ok := s.contexts[v.key]; ok && c.seq == v.seq {
			for _, f := range r.table.destroy(s, c) {
				f.take().Release()
			}
			r.count(c.key, EventEvicted)
			evicted++
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		r.logger.Info().Int("evicted", evicted).Int64("max_contexts", limit).Msg("evicted reassembly contexts over ceiling")
	}
}

// Drain destroys every context. Each context with its offset 0 fragment
// present produces one time exceeded error, as on expiry.
func (r *Reassembler) Drain() {
	var errs []pendingError
	drained := 0
	for i := range r.table.shards {
		s := &r.table.shards[i]
		s.mu.Lock()
		for _, c := range s.contexts {
			frags := r.table.destroy(s, c)
			r.count(c.key, EventDrained)
			errs = expire(c.key, frags, errs)
			drained++
		}
		s.mu.Unlock()
	}
	r.flush(errs)
	if drained > 0 {
		r.logger.Info().Int("drained", drained).Msg("reassembly table drained")
	}
}

// SetLimits changes the global ceilings at runtime. Lowering the context
// ceiling below the live count evicts the oldest contexts immediately.
func (r *Reassembler) SetLimits(maxContexts, maxFragments int) {
	r.table.maxContexts.Store(int64(maxContexts))
	r.table.maxFragments.Store(int64(maxFragments))
	r.EnforceCeiling()
}

// Start runs the reaper until ctx is cancelled or Close is called.
// It must be called at most once.
func (r *Reassembler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.reapLoop(ctx)
}

// reapLoop ticks the table at the configured interval
func (r *Reassembler) reapLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Close stops the reaper and drains the table.
func (r *Reassembler) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.Drain()
}

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// HeapAbove returns a pressure check that fires when live heap objects
// exceed limit bytes.
func HeapAbove(limit uint64) func() bool {
	return func() bool {
		sample := []metrics.Sample{{Name: heapObjectsMetric}}
		metrics.Read(sample)
		if sample[0].Value.Kind() != metrics.KindUint64 {
			return false
		}
		return sample[0].Value.Uint64() > limit
	}
}
