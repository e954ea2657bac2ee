package tananfs

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tananfs/tananfs/backend"
)

const (
	// DefaultCacheCapacity is the default entry count (spec.md §4.5).
	DefaultCacheCapacity = 131072
	// DefaultFlushIntervalSeconds is the default periodic flush period.
	DefaultFlushIntervalSeconds = 1
)

type cacheNamespace byte

const (
	nsBlock cacheNamespace = iota
	nsInode
)

type cacheKey struct {
	ns      cacheNamespace
	ordinal uint64
}

// cacheEntry is an intrusive doubly-linked-list node: front (next from
// root) is most-recently-used, back (prev from root) is least. This is
// the same shape go-diskfs's sibling squashfs package uses for its
// block LRU (filesystem/squashfs's newLRU/push/pop/unlink), adapted
// here to also track a dirty flag for write-back instead of read-only
// eviction.
type cacheEntry struct {
	key        cacheKey
	data       []byte
	dirty      bool
	lastAccess uint64
	prev, next *cacheEntry
}

// cache is the write-back LRU described in spec.md §4.5, shared across
// the block-ordinal and inode-ordinal namespaces.
type cache struct {
	dev backend.Device
	g   *geometry

	capacity       int
	flushInterval  time.Duration
	dirtyWatermark int // 0 disables the watermark

	root    cacheEntry // sentinel; root.next == MRU, root.prev == LRU
	entries map[cacheKey]*cacheEntry
	clock   uint64

	lastFlush time.Time
	dirtyN    int

	log *logrus.Entry
}

func newCache(dev backend.Device, g *geometry, capacity int, flushInterval time.Duration, dirtyWatermark int, log *logrus.Entry) *cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushIntervalSeconds * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	c := &cache{
		dev:            dev,
		g:              g,
		capacity:       capacity,
		flushInterval:  flushInterval,
		dirtyWatermark: dirtyWatermark,
		entries:        make(map[cacheKey]*cacheEntry),
		lastFlush:      time.Now(),
		log:            log,
	}
	c.root.next = &c.root
	c.root.prev = &c.root
	return c
}

func (c *cache) unlink(e *cacheEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

// pushFront marks e as most-recently-used.
func (c *cache) pushFront(e *cacheEntry) {
	e.next = c.root.next
	e.prev = &c.root
	c.root.next.prev = e
	c.root.next = e
	c.clock++
	e.lastAccess = c.clock
}

func (c *cache) touch(e *cacheEntry) {
	c.unlink(e)
	c.pushFront(e)
}

func (c *cache) regionFor(ns cacheNamespace, ordinal uint64) (offset int64, size int) {
	if ns == nsBlock {
		return c.g.blockOffset(ordinal), int(c.g.blockSize)
	}
	return c.g.inodeOffset(ordinal), inodeRecordSize
}

// get loads the current value for key, consulting the cache first and
// falling back to the device on a miss. It always returns a defensive
// copy (spec.md §4.5/§9: callers cannot mutate residency behind the
// cache's back; put is the only mutator).
func (c *cache) get(key cacheKey) ([]byte, error) {
	if e, ok := c.entries[key]; ok {
		c.touch(e)
		out := make([]byte, len(e.data))
		copy(out, e.data)
		return out, nil
	}

	offset, size := c.regionFor(key.ns, key.ordinal)
	buf := make([]byte, size)
	if _, err := c.dev.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("%w: reading %v %d: %v", ErrIoError, key.ns, key.ordinal, err)
	}
	e := &cacheEntry{key: key, data: buf}
	c.entries[key] = e
	c.pushFront(e)
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// put installs value as the (dirty) current value for key.
func (c *cache) put(key cacheKey, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)

	if e, ok := c.entries[key]; ok {
		e.data = cp
		if !e.dirty {
			e.dirty = true
			c.dirtyN++
		}
		c.touch(e)
		return
	}
	e := &cacheEntry{key: key, data: cp, dirty: true}
	c.entries[key] = e
	c.dirtyN++
	c.pushFront(e)
}

// invalidate drops a key from the cache without writing it back, used
// when a block is freed out from under the cache (byte-file shrink and
// truncate) so a later allocation of the same ordinal never reads
// stale cached content (spec.md invariant I6).
func (c *cache) invalidate(key cacheKey) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.dirty {
		c.dirtyN--
	}
	c.unlink(e)
	delete(c.entries, key)
}

func (c *cache) writeBack(e *cacheEntry) error {
	offset, _ := c.regionFor(e.key.ns, e.key.ordinal)
	if _, err := c.dev.WriteAt(e.data, offset); err != nil {
		return fmt.Errorf("%w: writing back %v %d: %v", ErrIoError, e.key.ns, e.key.ordinal, err)
	}
	e.dirty = false
	return nil
}

// flush writes every dirty entry to the device in LRU order (oldest
// first), a deliberate non-locality trade-off spec.md §9 accepts in
// exchange for the cache's simplicity.
func (c *cache) flush() error {
	written := 0
	for e := c.root.prev; e != &c.root; e = e.prev {
		if !e.dirty {
			continue
		}
		if err := c.writeBack(e); err != nil {
			return err
		}
		c.dirtyN--
		written++
	}
	if err := c.dev.Sync(); err != nil {
		return fmt.Errorf("%w: syncing device: %v", ErrIoError, err)
	}
	c.lastFlush = time.Now()
	c.log.WithField("dirty_written", written).Debug("cache flush")
	return nil
}

// evictOne drops the single least-recently-used entry, writing it back
// first if dirty.
func (c *cache) evictOne() error {
	victim := c.root.prev
	if victim == &c.root {
		return nil
	}
	if victim.dirty {
		if err := c.writeBack(victim); err != nil {
			return err
		}
		c.dirtyN--
	}
	c.unlink(victim)
	delete(c.entries, victim.key)
	return nil
}

// maintain is the periodic upkeep hook spec.md §4.5 describes: flush
// if the interval has elapsed or the dirty watermark is exceeded, then
// evict down to capacity.
func (c *cache) maintain(now time.Time) error {
	if now.Sub(c.lastFlush) >= c.flushInterval || (c.dirtyWatermark > 0 && c.dirtyN > c.dirtyWatermark) {
		if err := c.flush(); err != nil {
			return err
		}
	}
	for len(c.entries) > c.capacity {
		if err := c.evictOne(); err != nil {
			return err
		}
	}
	return nil
}

// close flushes and drops every entry, releasing the cache's memory.
func (c *cache) close() error {
	if err := c.flush(); err != nil {
		return err
	}
	c.entries = make(map[cacheKey]*cacheEntry)
	c.root.next = &c.root
	c.root.prev = &c.root
	return nil
}

// getBlock returns a copy of the raw block-sized buffer for ordinal.
func (c *cache) getBlock(ordinal uint64) ([]byte, error) {
	return c.get(cacheKey{ns: nsBlock, ordinal: ordinal})
}

// putBlock installs data (exactly blockSize bytes) as block ordinal.
func (c *cache) putBlock(ordinal uint64, data []byte) {
	c.put(cacheKey{ns: nsBlock, ordinal: ordinal}, data)
}

// getInode decodes and returns the inode record at ordinal.
func (c *cache) getInode(ordinal uint64) (*inode, error) {
	raw, err := c.get(cacheKey{ns: nsInode, ordinal: ordinal})
	if err != nil {
		return nil, err
	}
	return inodeFromBytes(raw)
}

// putInode encodes and installs n as the inode record at its ordinal.
func (c *cache) putInode(n *inode) {
	c.put(cacheKey{ns: nsInode, ordinal: n.ordinal}, n.toBytes())
}

func (ns cacheNamespace) String() string {
	if ns == nsBlock {
		return "block"
	}
	return "inode"
}
