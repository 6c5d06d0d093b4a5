// Package catalog holds the latest reference-market price per item.
package catalog

import (
	"container/heap"
	"hash/maphash"
	"iter"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"flipwatch/internal/fee"
)

// DefaultShards is used when Options.Shards is not set.
const DefaultShards = 64

// ItemID identifies a tradable item, e.g. a market hash name.
type ItemID string

// Market describes the sale history behind a reference price.
type Market struct {
	// Volatility is the relative standard deviation of the smoothed sale
	// price over the analysis window.
	Volatility float64
	Stable     bool
	// SoldPerWeek is the number of units sold in the analysis window,
	// scaled to seven days.
	SoldPerWeek int64
	// Samples is the number of history points behind the price. Zero means
	// the price arrived without history.
	Samples int
}

// Analyzed reports whether the price came with sale history.
func (m Market) Analyzed() bool { return m.Samples > 0 }

// Entry is a point-in-time copy of a catalog record.
type Entry struct {
	Item      ItemID
	Price     fee.Amount
	UpdatedAt time.Time
	Revision  uint64
	Market    Market
}

// StaleAt reports whether the entry is older than maxAge at now.
func (e Entry) StaleAt(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(e.UpdatedAt) > maxAge
}

// Options tune catalog sizing.
type Options struct {
	// Shards is rounded up to a power of two.
	Shards int
	// MaxEntries bounds the whole catalog; zero means unbounded.
	MaxEntries int
}

type record struct {
	item      ItemID
	price     fee.Amount
	market    Market
	updatedAt time.Time
	revision  uint64
	index     int // position in the shard's age heap
}

// ageHeap orders a shard's records by updatedAt, oldest first.
type ageHeap []*record

func (h ageHeap) Len() int           { return len(h) }
func (h ageHeap) Less(i, j int) bool { return h[i].updatedAt.Before(h[j].updatedAt) }
func (h ageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *ageHeap) Push(x any) {
	rec := x.(*record)
	rec.index = len(*h)
	*h = append(*h, rec)
}
func (h *ageHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return rec
}

type shard struct {
	mu      sync.RWMutex
	records map[ItemID]*record
	ages    ageHeap
}

// Catalog is a sharded map safe for concurrent use. Reads of any item and
// writes to different shards proceed in parallel; writes to one item are
// serialized by its shard lock. No operation holds two shard locks.
type Catalog struct {
	seed   maphash.Seed
	mask   uint64
	shards []shard
	max    int64

	count     atomic.Int64
	cursor    atomic.Uint64
	evictions atomic.Uint64
}

// New builds an empty catalog.
func New(opts Options) *Catalog {
	n := opts.Shards
	if n <= 0 {
		n = DefaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}

	c := &Catalog{
		seed:   maphash.MakeSeed(),
		mask:   uint64(size - 1),
		shards: make([]shard, size),
		max:    int64(max(opts.MaxEntries, 0)),
	}
	for i := range c.shards {
		c.shards[i].records = make(map[ItemID]*record)
	}
	return c
}

func (c *Catalog) shardFor(item ItemID) *shard {
	return &c.shards[maphash.String(c.seed, string(item))&c.mask]
}

// Get returns the current entry for item.
func (c *Catalog) Get(item ItemID) (Entry, bool) {
	sh := c.shardFor(item)
	sh.mu.RLock()
	rec, ok := sh.records[item]
	if !ok {
		sh.mu.RUnlock()
		return Entry{}, false
	}
	e := rec.entry()
	sh.mu.RUnlock()
	return e, true
}

// Upsert records a price without sale history. See UpsertMarket.
func (c *Catalog) Upsert(item ItemID, price fee.Amount, observedAt time.Time) (revision uint64, applied bool) {
	return c.UpsertMarket(item, price, Market{}, observedAt)
}

// UpsertMarket records price and its market metadata observed at
// observedAt. A new item starts at revision 0. An existing item is replaced
// only when observedAt is not older than the stored timestamp; repeating the
// stored observation is a no-op. applied reports whether this write changed
// the entry.
func (c *Catalog) UpsertMarket(item ItemID, price fee.Amount, m Market, observedAt time.Time) (revision uint64, applied bool) {
	sh := c.shardFor(item)
	for {
		sh.mu.Lock()
		if rec, ok := sh.records[item]; ok {
			revision, applied = sh.update(rec, price, m, observedAt)
			sh.mu.Unlock()
			return revision, applied
		}
		if c.admit(sh) {
			sh.insert(&record{item: item, price: price, market: m, updatedAt: observedAt})
			sh.mu.Unlock()
			return 0, true
		}
		sh.mu.Unlock()
		c.evictElsewhere(sh)
	}
}

// Restore loads a previously snapshotted entry, keeping its revision. It only
// applies when the catalog has nothing newer for the item.
func (c *Catalog) Restore(e Entry) bool {
	sh := c.shardFor(e.Item)
	for {
		sh.mu.Lock()
		if rec, ok := sh.records[e.Item]; ok {
			if !e.UpdatedAt.After(rec.updatedAt) {
				sh.mu.Unlock()
				return false
			}
			rec.price = e.Price
			rec.market = e.Market
			rec.updatedAt = e.UpdatedAt
			rec.revision = max(e.Revision, rec.revision+1)
			heap.Fix(&sh.ages, rec.index)
			sh.mu.Unlock()
			return true
		}
		if c.admit(sh) {
			sh.insert(&record{item: e.Item, price: e.Price, market: e.Market, updatedAt: e.UpdatedAt, revision: e.Revision})
			sh.mu.Unlock()
			return true
		}
		sh.mu.Unlock()
		c.evictElsewhere(sh)
	}
}

// admit reserves room for one new record in sh, evicting the oldest record
// of sh when the catalog is full. It fails only when the catalog is full and
// sh is empty. Caller holds sh.mu.
func (c *Catalog) admit(sh *shard) bool {
	if c.max == 0 {
		c.count.Add(1)
		return true
	}
	for {
		n := c.count.Load()
		if n < c.max {
			if c.count.CompareAndSwap(n, n+1) {
				return true
			}
			continue
		}
		if len(sh.ages) == 0 {
			return false
		}
		// The new record takes the evicted record's slot.
		sh.evictOldest()
		c.evictions.Add(1)
		return true
	}
}

// evictElsewhere frees one slot from a shard other than skip. Shards are
// visited round-robin so repeated misses spread the evictions.
func (c *Catalog) evictElsewhere(skip *shard) {
	start := c.cursor.Add(1)
	for i := range uint64(len(c.shards)) {
		sh := &c.shards[(start+i)&c.mask]
		if sh == skip {
			continue
		}
		sh.mu.Lock()
		if len(sh.ages) > 0 && c.count.Load() >= c.max {
			sh.evictOldest()
			c.count.Add(-1)
			c.evictions.Add(1)
			sh.mu.Unlock()
			return
		}
		sh.mu.Unlock()
	}
	// Another writer holds the only reservations; let it finish.
	runtime.Gosched()
}

// Snapshot yields every entry. Each entry is internally consistent; the
// sequence as a whole is not a single point in time. Ranging again takes a
// fresh snapshot.
func (c *Catalog) Snapshot() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		var buf []Entry
		for i := range c.shards {
			sh := &c.shards[i]
			buf = buf[:0]
			sh.mu.RLock()
			for _, rec := range sh.records {
				buf = append(buf, rec.entry())
			}
			sh.mu.RUnlock()

			for _, e := range buf {
				if !yield(e) {
					return
				}
			}
		}
	}
}

// Len returns the number of entries. It never exceeds MaxEntries when the
// catalog is bounded.
func (c *Catalog) Len() int {
	return int(c.count.Load())
}

// Evictions returns how many entries the size bound has removed.
func (c *Catalog) Evictions() uint64 {
	return c.evictions.Load()
}

func (r *record) entry() Entry {
	return Entry{Item: r.item, Price: r.price, UpdatedAt: r.updatedAt, Revision: r.revision, Market: r.market}
}

// update applies an observation to an existing record. Caller holds mu.
func (sh *shard) update(rec *record, price fee.Amount, m Market, observedAt time.Time) (uint64, bool) {
	if observedAt.Before(rec.updatedAt) {
		return rec.revision, false
	}
	if observedAt.Equal(rec.updatedAt) && price == rec.price && m == rec.market {
		return rec.revision, false
	}

	moved := !observedAt.Equal(rec.updatedAt)
	rec.price = price
	rec.market = m
	rec.updatedAt = observedAt
	rec.revision++
	if moved {
		heap.Fix(&sh.ages, rec.index)
	}
	return rec.revision, true
}

// insert adds a record. Caller holds mu.
func (sh *shard) insert(rec *record) {
	sh.records[rec.item] = rec
	heap.Push(&sh.ages, rec)
}

// evictOldest removes the least recently updated record. Caller holds mu and
// has checked the shard is not empty.
func (sh *shard) evictOldest() {
	rec := heap.Pop(&sh.ages).(*record)
	delete(sh.records, rec.item)
}
