package router

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkerd/neurofabric/pkg/fabric"
)

func TestCorrelationRecordAndLookup(t *testing.T) {
	idx := newCorrelationIndex(time.Minute, 1024, nil)
	producer, consumer := fabric.NewUnitID(), fabric.NewUnitID()
	sig := fabric.NewMessageID()

	idx.Record(sig, producer, consumer, time.Now())

	entry, ok := idx.Lookup(sig)
	require.True(t, ok)
	assert.Equal(t, producer, entry.Producer)
	assert.Equal(t, consumer, entry.Consumer)

	got, ok := idx.LookupProducer(sig)
	require.True(t, ok)
	assert.Equal(t, producer, got)

	_, ok = idx.Lookup(fabric.NewMessageID())
	assert.False(t, ok)
}

func TestCorrelationLRUEvictsOldestWithCallback(t *testing.T) {
	var mu sync.Mutex
	var evicted []correlationEntry
	// maxEntries == shard count gives one slot per shard, so a second
	// record landing on any shard must evict that shard's older entry.
	idx := newCorrelationIndex(time.Minute, correlationShardCount, func(e correlationEntry, expired bool) {
		mu.Lock()
		defer mu.Unlock()
		assert.False(t, expired, "LRU pressure, not TTL")
		evicted = append(evicted, e)
	})

	producer := fabric.NewUnitID()
	const n = correlationShardCount * 4
	for i := 0; i < n; i++ {
		idx.Record(fabric.MessageID(fmt.Sprintf("sig-%d", i)), producer, fabric.NewUnitID(), time.Now())
	}

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, evicted, "inserting %d entries across %d one-slot shards must evict", n, correlationShardCount)
}

func TestCorrelationInvalidateByProducer(t *testing.T) {
	idx := newCorrelationIndex(time.Minute, 1024, nil)
	gone, kept := fabric.NewUnitID(), fabric.NewUnitID()
	goneSig, keptSig := fabric.NewMessageID(), fabric.NewMessageID()

	idx.Record(goneSig, gone, fabric.NewUnitID(), time.Now())
	idx.Record(keptSig, kept, fabric.NewUnitID(), time.Now())

	removed := idx.Invalidate(gone)
	require.Len(t, removed, 1)
	assert.Equal(t, goneSig, removed[0].SignalID)

	_, ok := idx.Lookup(goneSig)
	assert.False(t, ok)
	_, ok = idx.Lookup(keptSig)
	assert.True(t, ok)
}

func TestCorrelationSweepReportsTTLExpiry(t *testing.T) {
	var mu sync.Mutex
	expiredCount := 0
	idx := newCorrelationIndex(10*time.Millisecond, 1024, func(e correlationEntry, expired bool) {
		mu.Lock()
		defer mu.Unlock()
		if expired {
			expiredCount++
		}
	})

	sig := fabric.NewMessageID()
	idx.Record(sig, fabric.NewUnitID(), fabric.NewUnitID(), time.Now())

	time.Sleep(30 * time.Millisecond)
	idx.sweepExpired()

	mu.Lock()
	assert.Equal(t, 1, expiredCount)
	mu.Unlock()

	_, ok := idx.Lookup(sig)
	assert.False(t, ok)
}
