package router

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/linkerd/neurofabric/pkg/fabric"
)

// correlationEntry is the Correlation Record per delivered signal: {signal_id, producer, consumer, issued_at}, retained until a
// matching gradient arrives, gradient_ttl elapses, or the producer is
// destroyed.
type correlationEntry struct {
	SignalID fabric.MessageID
	Producer fabric.UnitID
	Consumer fabric.UnitID
	IssuedAt time.Time
}

const correlationShardCount = 256

// correlationIndex is the Router-owned Correlation Record: a bounded LRU
// with TTL, sharded by signal_id hash. TTL expiry is delegated per-shard to
// github.com/patrickmn/go-cache; LRU bounding is layered on top with a
// container/list so "oldest records are evicted with a gradient-lost
// metric" holds even when entries haven't yet hit their TTL.
type correlationIndex struct {
	ttl         time.Duration
	maxPerShard int
	onEvict     func(entry correlationEntry, reasonExpired bool)

	shards [correlationShardCount]*correlationShard
}

type correlationShard struct {
	mu    sync.Mutex
	cache *gocache.Cache
	order *list.List // front = most recently used
	elems map[fabric.MessageID]*list.Element
}

type shardListValue struct {
	entry correlationEntry
}

func newCorrelationIndex(ttl time.Duration, maxEntries int, onEvict func(correlationEntry, bool)) *correlationIndex {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	idx := &correlationIndex{
		ttl:         ttl,
		maxPerShard: max(1, maxEntries/correlationShardCount),
		onEvict:     onEvict,
	}
	for i := range idx.shards {
		sh := &correlationShard{
			cache: gocache.New(ttl, ttl/2+time.Second),
			order: list.New(),
			elems: make(map[fabric.MessageID]*list.Element),
		}
		idx.shards[i] = sh
	}
	return idx
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (idx *correlationIndex) shardFor(id fabric.MessageID) *correlationShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return idx.shards[h.Sum32()%correlationShardCount]
}

// Record stores the correlation for a delivered signal.
func (idx *correlationIndex) Record(signalID fabric.MessageID, producer, consumer fabric.UnitID, at time.Time) {
	sh := idx.shardFor(signalID)
	entry := correlationEntry{SignalID: signalID, Producer: producer, Consumer: consumer, IssuedAt: at}

	sh.mu.Lock()
	var evicted *correlationEntry
	if el, ok := sh.elems[signalID]; ok {
		el.Value = shardListValue{entry: entry}
		sh.order.MoveToFront(el)
	} else {
		el := sh.order.PushFront(shardListValue{entry: entry})
		sh.elems[signalID] = el
		if sh.order.Len() > idx.maxPerShard {
			back := sh.order.Back()
			if back != nil {
				old := back.Value.(shardListValue).entry
				sh.order.Remove(back)
				delete(sh.elems, old.SignalID)
				sh.cache.Delete(string(old.SignalID))
				evicted = &old
			}
		}
	}
	sh.cache.Set(string(signalID), struct{}{}, idx.ttl)
	sh.mu.Unlock()

	if evicted != nil && idx.onEvict != nil {
		idx.onEvict(*evicted, false)
	}
}

// Lookup returns the correlation entry for signalID, if present and not
// expired.
func (idx *correlationIndex) Lookup(signalID fabric.MessageID) (correlationEntry, bool) {
	sh := idx.shardFor(signalID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.cache.Get(string(signalID)); !ok {
		// Either never recorded, or TTL-expired: reconcile the LRU side.
		if el, ok := sh.elems[signalID]; ok {
			sh.order.Remove(el)
			delete(sh.elems, signalID)
		}
		return correlationEntry{}, false
	}
	el, ok := sh.elems[signalID]
	if !ok {
		return correlationEntry{}, false
	}
	sh.order.MoveToFront(el)
	return el.Value.(shardListValue).entry, true
}

// Invalidate removes every correlation entry whose producer is id, called
// when a unit terminates, and returns the removed entries so the caller can
// surface GradientOrphaned for any gradient that might still be in
// flight for them.
func (idx *correlationIndex) Invalidate(producer fabric.UnitID) []correlationEntry {
	var removed []correlationEntry
	for _, sh := range idx.shards {
		sh.mu.Lock()
		var toRemove []fabric.MessageID
		for sigID, el := range sh.elems {
			if el.Value.(shardListValue).entry.Producer == producer {
				toRemove = append(toRemove, sigID)
			}
		}
		for _, sigID := range toRemove {
			el := sh.elems[sigID]
			removed = append(removed, el.Value.(shardListValue).entry)
			sh.order.Remove(el)
			delete(sh.elems, sigID)
			sh.cache.Delete(string(sigID))
		}
		sh.mu.Unlock()
	}
	return removed
}

// sweepExpired actively evicts TTL-expired entries that go-cache's janitor
// hasn't yet reaped from the LRU list, firing onEvict(reasonExpired=true)
// for each. Intended to be called periodically by the Router's bookkeeping
// task.
func (idx *correlationIndex) sweepExpired() {
	for _, sh := range idx.shards {
		sh.mu.Lock()
		var expired []correlationEntry
		for sigID, el := range sh.elems {
			if _, ok := sh.cache.Get(string(sigID)); !ok {
				expired = append(expired, el.Value.(shardListValue).entry)
			}
		}
		for _, e := range expired {
			if el, ok := sh.elems[e.SignalID]; ok {
				sh.order.Remove(el)
				delete(sh.elems, e.SignalID)
			}
		}
		sh.mu.Unlock()
		for _, e := range expired {
			if idx.onEvict != nil {
				idx.onEvict(e, true)
			}
		}
	}
}

// LookupProducer implements propagator.CorrelationSource.
func (idx *correlationIndex) LookupProducer(signalID fabric.MessageID) (fabric.UnitID, bool) {
	entry, ok := idx.Lookup(signalID)
	if !ok {
		return "", false
	}
	return entry.Producer, true
}
