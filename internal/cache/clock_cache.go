// Package cache provides the block cache implementation for ridgekv.
//
// The cache is a sharded, bounded-capacity mapping from block-cache keys
// to decoded blocks, with a CLOCK-style eviction policy and reference
// counting. Unlike a conventional LRU cache, eviction candidates are held
// in an open-addressed hash table with double hashing rather than a
// pointer-chased map, and the eviction ring only ever holds unreferenced
// entries.
//
// Reference: RocksDB v10.7.5
//   - cache/clock_cache.h
//   - cache/clock_cache.cc
package cache

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math/bits"
	"sync"

	"github.com/zeebo/xxh3"
)

// Errors returned by cache operations.
var (
	ErrKeySize    = errors.New("cache: key has wrong size for this cache")
	ErrFull       = errors.New("cache: full, insert would exceed capacity")
	ErrTableFull  = errors.New("cache: hash table at maximum occupancy")
)

// CacheMetadataChargePolicy controls whether per-entry bookkeeping
// overhead is counted against the cache's capacity.
type CacheMetadataChargePolicy int

const (
	// DontChargeMetadata counts only the caller-supplied charge.
	DontChargeMetadata CacheMetadataChargePolicy = iota
	// FullChargeMetadata adds a fixed per-entry overhead to the charge.
	FullChargeMetadata
)

// perEntryMetadataCharge is the estimated bookkeeping overhead per slot
// when FullChargeMetadata is in effect.
const perEntryMetadataCharge = 24

// cacheKeySize is the fixed width of a BlockCacheKey. ClockHandleTable
// only stores keys of this size; Insert rejects any other size.
const cacheKeySize = 16

// BlockCacheKey is the 16-byte fingerprint used to place entries in the
// cache's hash table: an 8-byte session-stable salt followed by an
// 8-byte encoding of (file number, block offset).
type BlockCacheKey [cacheKeySize]byte

// CacheKey identifies a cached block by the file it belongs to and its
// byte offset within that file. NewBlockCacheKey combines it with a
// cache instance's session salt to produce the fixed-width key actually
// stored in the hash table.
type CacheKey struct {
	FileNumber  uint64
	BlockOffset uint64
}

// NewBlockCacheKey derives the fixed-width cache key for k under the
// given session salt.
func NewBlockCacheKey(sessionSalt uint64, k CacheKey) BlockCacheKey {
	var bk BlockCacheKey
	binary.LittleEndian.PutUint64(bk[0:8], sessionSalt)
	binary.LittleEndian.PutUint64(bk[8:16], k.FileNumber^ (k.BlockOffset*0x9E3779B97F4A7C15))
	return bk
}

// newSessionSalt produces a fresh per-cache-instance salt so that block
// cache keys never collide across concurrently open databases.
func newSessionSalt() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is fatal to correctness (key collisions
		// across instances become possible); fall back to a low-quality
		// but deterministic-within-process seed rather than panicking.
		return xxh3.HashSeed(b[:], 0x9E3779B97F4A7C15)
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Cache is the interface implemented by ShardedClockCache.
type Cache interface {
	Insert(key BlockCacheKey, value []byte, charge uint64) (*Handle, error)
	InsertNoHandle(key BlockCacheKey, value []byte, charge uint64) error
	Lookup(key BlockCacheKey) *Handle
	Ref(h *Handle)
	Release(h *Handle, eraseIfLast bool) bool
	Erase(key BlockCacheKey)
	GetCapacity() uint64
	GetUsage() uint64
	GetPinnedUsage() uint64
	SetStrictCapacityLimit(strict bool)
}

// Handle is an opaque reference to an entry resident in the cache. The
// caller must call Release when done with it.
type Handle struct {
	entry *clockHandle
}

// Value returns the cached block data.
func (h *Handle) Value() []byte {
	return h.entry.value
}

// Charge returns the memory charge of this entry.
func (h *Handle) Charge() uint64 {
	return h.entry.charge
}

// clockHandle is one slot of the open-addressed hash table. A slot is
// empty, a tombstone (removed but still part of some probe chain), or
// occupied. Occupied slots are additionally "visible" (reachable from
// Lookup) or not (excluded by an Erase/overwrite but still alive because
// of outstanding external references).
type clockHandle struct {
	key     BlockCacheKey
	value   []byte
	charge  uint64 // caller-supplied charge
	total   uint64 // charge plus metadata overhead if configured

	refs uint32 // external reference count

	isElement bool // slot holds a live entry (vs. empty)
	isVisible bool // entry is reachable from Lookup
	tombstone bool // slot was vacated but the probe chain still passes here

	displacements uint32 // probes that passed through this slot while searching

	// CLOCK ring links. Non-nil iff this entry is currently on the ring
	// (unreferenced and evictable).
	next, prev *clockHandle
}

func (h *clockHandle) isEmpty() bool {
	return !h.isElement && !h.tombstone
}

func (h *clockHandle) matches(key BlockCacheKey) bool {
	return h.isElement && h.key == key
}

func (h *clockHandle) hasRefs() bool {
	return h.refs > 0
}

func (h *clockHandle) calcTotalCharge(charge uint64, policy CacheMetadataChargePolicy) {
	h.charge = charge
	h.total = charge
	if policy == FullChargeMetadata {
		h.total += perEntryMetadataCharge
	}
}

// clockHandleTable is a fixed-size open-addressed hash table using double
// hashing, matching RocksDB's ClockHandleTable probe sequence:
// base = H1(key) mod m, increment = ((H2(key)<<1)|1) mod m.
type clockHandleTable struct {
	lengthBits uint8
	slots      []clockHandle
	occupancy  uint32
}

func newClockHandleTable(hashBits uint8) *clockHandleTable {
	return &clockHandleTable{
		lengthBits: hashBits,
		slots:      make([]clockHandle, 1<<hashBits),
	}
}

func binaryMod(x uint32, bits uint8) uint32 {
	return (x << (32 - bits)) >> (32 - bits)
}

const (
	probingSeed1 = 0xC28F82822B650BEB
	probingSeed2 = 0x0133CAB61AB9A3B9
)

func (t *clockHandleTable) hashes(key BlockCacheKey) (base, increment uint32) {
	h1 := uint32(xxh3.HashSeed(key[:], probingSeed1))
	h2 := uint32(xxh3.HashSeed(key[:], probingSeed2))
	base = binaryMod(h1, t.lengthBits)
	increment = binaryMod((h2<<1)|1, t.lengthBits)
	return base, increment
}

// findSlot walks the probe sequence for key, returning the first slot
// index for which cond holds, or -1 if the probe reaches an empty slot
// or loops back to its start without finding one. displacement is added
// to (or, during rollback, subtracted from) every slot's displacement
// counter along the path that didn't satisfy cond.
func (t *clockHandleTable) findSlot(key BlockCacheKey, cond func(*clockHandle) bool, displacement int32) int {
	base, increment := t.hashes(key)
	length := uint32(1) << t.lengthBits
	current := base
	probe := 0
	for {
		h := &t.slots[current]
		probe++
		if current == base && probe > 1 {
			return -1
		}
		if cond(h) {
			return int(current)
		}
		if h.isEmpty() {
			return -1
		}
		h.displacements = uint32(int32(h.displacements) + displacement)
		current = (current + increment) % length
	}
}

func (t *clockHandleTable) findVisibleElement(key BlockCacheKey, displacement int32) int {
	return t.findSlot(key, func(h *clockHandle) bool { return h.matches(key) && h.isVisible }, displacement)
}

func (t *clockHandleTable) findAvailableSlot(key BlockCacheKey, displacement int32) int {
	return t.findSlot(key, func(h *clockHandle) bool { return h.isEmpty() || h.tombstone }, displacement)
}

func (t *clockHandleTable) findVisibleOrAvailable(key BlockCacheKey, displacement int32) int {
	return t.findSlot(key, func(h *clockHandle) bool {
		return h.isEmpty() || h.tombstone || (h.matches(key) && h.isVisible)
	}, displacement)
}

func (t *clockHandleTable) lookup(key BlockCacheKey) *clockHandle {
	slot := t.findVisibleElement(key, 0)
	if slot == -1 {
		return nil
	}
	return &t.slots[slot]
}

func (t *clockHandleTable) assign(slot int, h *clockHandle) *clockHandle {
	dst := &t.slots[slot]
	disp := dst.displacements
	*dst = *h
	dst.displacements = disp
	dst.isVisible = true
	dst.isElement = true
	t.occupancy++
	return dst
}

// insert places h into the table, returning the new entry and, if h's key
// already had a visible copy, that old entry (so the caller can decide
// whether to evict it immediately). Returns (nil, nil) if the table has
// no room.
func (t *clockHandleTable) insert(h *clockHandle) (*clockHandle, *clockHandle) {
	slot := t.findVisibleOrAvailable(h.key, 1)
	if slot == -1 {
		return nil, nil
	}

	dst := &t.slots[slot]
	if dst.isEmpty() || dst.tombstone {
		wasEmpty := dst.isEmpty()
		newEntry := t.assign(slot, h)
		if wasEmpty {
			return newEntry, nil
		}
		oldSlot := t.findVisibleElement(h.key, 0)
		if oldSlot == -1 {
			return newEntry, nil
		}
		return newEntry, &t.slots[oldSlot]
	}

	// A visible copy already occupies this slot; find a free slot for
	// the new entry instead, rolling back the displacement bump on
	// failure so the table doesn't accumulate phantom probe weight.
	old := dst
	dst.displacements++
	slot = t.findAvailableSlot(h.key, 1)
	if slot == -1 {
		t.findVisibleElement(h.key, -1)
		old.displacements--
		t.findAvailableSlot(h.key, -1)
		return nil, nil
	}
	return t.assign(slot, h), old
}

func (t *clockHandleTable) exclude(h *clockHandle) {
	h.isVisible = false
}

func (t *clockHandleTable) remove(h *clockHandle) {
	t.findSlot(h.key, func(e *clockHandle) bool { return e == h }, -1)
	h.isVisible = false
	h.isElement = false
	h.tombstone = true
	t.occupancy--
}

func (t *clockHandleTable) occupied() uint32 {
	return t.occupancy
}

func (t *clockHandleTable) capacity() uint32 {
	return uint32(1) << t.lengthBits
}

// clockCacheShard is one shard of a ShardedClockCache: its own hash
// table, its own CLOCK ring, and its own mutex.
type clockCacheShard struct {
	mu sync.Mutex

	capacity            uint64
	strictCapacityLimit bool
	chargePolicy        CacheMetadataChargePolicy

	table *clockHandleTable

	// ring is a circular doubly-linked list with a dummy head (ring
	// itself). Entries are added at the tail and evicted from the head.
	// Only unreferenced, visible entries are ever on the ring.
	ring      clockHandle
	usage     uint64
	ringUsage uint64
}

func newClockCacheShard(capacity uint64, estimatedValueSize uint64, strict bool, policy CacheMetadataChargePolicy) *clockCacheShard {
	s := &clockCacheShard{
		capacity:             capacity,
		strictCapacityLimit:  strict,
		chargePolicy:         policy,
		table:                newClockHandleTable(calcHashBits(capacity, estimatedValueSize, policy)),
	}
	s.ring.next = &s.ring
	s.ring.prev = &s.ring
	return s
}

// calcHashBits sizes the table so its load factor stays under ~0.7 at
// full capacity, matching RocksDB's clock_cache.cc CalcHashBits.
func calcHashBits(capacity, estimatedValueSize uint64, policy CacheMetadataChargePolicy) uint8 {
	var probe clockHandle
	probe.calcTotalCharge(estimatedValueSize, policy)
	if probe.total == 0 {
		probe.total = 1
	}
	numEntries := capacity / probe.total
	if numEntries == 0 {
		numEntries = 1
	}
	hashBits := uint8(bits.Len64(numEntries))
	// Load factor headroom: reserve space so occupancy tops out near 0.7.
	extra := uint8(1) // ceil(log2(1/0.7)) ~= 1
	return hashBits + extra
}

func (s *clockCacheShard) clockRemove(h *clockHandle) {
	h.next.prev = h.prev
	h.prev.next = h.next
	h.prev, h.next = nil, nil
	s.ringUsage -= h.total
}

func (s *clockCacheShard) clockInsert(h *clockHandle) {
	h.next = &s.ring
	h.prev = s.ring.prev
	h.prev.next = h
	h.next.prev = h
	s.ringUsage += h.total
}

// evictFromClock evicts from the ring head until usage+charge fits
// capacity or the ring is empty, collecting freed values for the caller
// to drop outside the shard mutex.
func (s *clockCacheShard) evictFromClock(charge uint64, freed *[]*clockHandle) {
	for s.usage+charge > s.capacity && s.ring.next != &s.ring {
		old := s.ring.next
		s.clockRemove(old)
		s.table.remove(old)
		s.usage -= old.total
		*freed = append(*freed, old)
	}
}

// Insert adds value to the shard under key with the given charge. If
// wantHandle is true, the caller receives an externally-referenced handle
// instead of the entry being placed directly on the CLOCK ring.
func (s *clockCacheShard) insert(key BlockCacheKey, value []byte, charge uint64, wantHandle bool) (*clockHandle, error) {
	tmp := &clockHandle{key: key, value: value}
	tmp.calcTotalCharge(charge, s.chargePolicy)

	var freed []*clockHandle
	var result *clockHandle
	var resultErr error

	s.mu.Lock()
	s.evictFromClock(tmp.total, &freed)

	overCapacity := s.usage+tmp.total > s.capacity
	if overCapacity && (s.strictCapacityLimit || wantHandle) {
		resultErr = ErrFull
	} else if overCapacity {
		// Report success "as if" inserted and immediately evicted.
		freed = append(freed, tmp)
	} else if s.table.occupied() == s.table.capacity() {
		resultErr = ErrTableFull
	} else {
		h, old := s.table.insert(tmp)
		if h == nil {
			resultErr = ErrTableFull
		} else {
			s.usage += h.total
			if old != nil {
				s.table.exclude(old)
				if !old.hasRefs() {
					s.clockRemove(old)
					s.table.remove(old)
					s.usage -= old.total
					freed = append(freed, old)
				}
			}
			if wantHandle {
				if !h.hasRefs() {
					h.refs++
				}
				result = h
			} else {
				s.clockInsert(h)
			}
		}
	}
	s.mu.Unlock()

	_ = freed // values are plain []byte; nothing to finalize explicitly
	return result, resultErr
}

func (s *clockCacheShard) lookup(key BlockCacheKey) *clockHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.table.lookup(key)
	if h == nil {
		return nil
	}
	if !h.hasRefs() {
		s.clockRemove(h)
	}
	h.refs++
	return h
}

func (s *clockCacheShard) ref(h *clockHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.refs++
}

// release drops a reference on h. If it was the last reference and the
// entry is still visible, it either returns to the ring or is removed,
// depending on capacity pressure and eraseIfLast.
func (s *clockCacheShard) release(h *clockHandle, eraseIfLast bool) bool {
	s.mu.Lock()
	lastRef := false
	h.refs--
	if h.refs == 0 {
		if h.isVisible {
			if s.usage > s.capacity || eraseIfLast {
				s.table.remove(h)
			} else {
				s.clockInsert(h)
				h.refs = 0
			}
		} else {
			// Already excluded by an overwriting insert or an Erase while
			// still referenced elsewhere. The slot can't be reused and the
			// charge can't be released until this last reference drops, so
			// do both now instead of leaving the entry stuck in the table.
			s.table.remove(h)
		}
	}
	if h.refs == 0 && !h.isElement {
		lastRef = true
		s.usage -= h.total
	}
	s.mu.Unlock()
	return lastRef
}

func (s *clockCacheShard) erase(key BlockCacheKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.table.lookup(key)
	if h == nil {
		return
	}
	s.table.exclude(h)
	if !h.hasRefs() {
		s.clockRemove(h)
		s.table.remove(h)
		s.usage -= h.total
	}
}

func (s *clockCacheShard) getUsage() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *clockCacheShard) getPinnedUsage() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage - s.ringUsage
}

func (s *clockCacheShard) setStrictCapacityLimit(strict bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strictCapacityLimit = strict
}

// ShardedClockCache is a set of independently-locked clockCacheShards
// selected by the top bits of the key's hash.
type ShardedClockCache struct {
	shards      []*clockCacheShard
	numShardBits uint8
	sessionSalt uint64
}

// NewShardedClockCache creates a cache of the given total capacity split
// evenly across 2^numShardBits shards. estimatedValueSize is used only to
// size each shard's hash table; it does not bound entry sizes.
func NewShardedClockCache(capacity uint64, estimatedValueSize uint64, numShardBits int, strict bool, policy CacheMetadataChargePolicy) *ShardedClockCache {
	if numShardBits < 0 {
		numShardBits = defaultShardBits(capacity)
	}
	n := 1 << uint(numShardBits)
	perShard := (capacity + uint64(n) - 1) / uint64(n)
	c := &ShardedClockCache{
		shards:       make([]*clockCacheShard, n),
		numShardBits: uint8(numShardBits),
		sessionSalt:  newSessionSalt(),
	}
	for i := range c.shards {
		c.shards[i] = newClockCacheShard(perShard, estimatedValueSize, strict, policy)
	}
	return c
}

// defaultShardBits picks a shard count of roughly capacity/1MiB, bounded
// to [0, 6] bits (1 to 64 shards).
func defaultShardBits(capacity uint64) int {
	n := 0
	for (uint64(1) << uint(n+1) <= capacity/(1<<20)) && n < 6 {
		n++
	}
	return n
}

// SessionSalt returns the per-instance salt used to derive BlockCacheKeys
// via NewBlockCacheKey, so callers can compute keys consistently.
func (c *ShardedClockCache) SessionSalt() uint64 {
	return c.sessionSalt
}

func (c *ShardedClockCache) shardFor(key BlockCacheKey) *clockCacheShard {
	h := xxh3.HashSeed(key[:], probingSeed1)
	idx := h >> (64 - c.numShardBits)
	return c.shards[idx]
}

func wrap(h *clockHandle) *Handle {
	if h == nil {
		return nil
	}
	return &Handle{entry: h}
}

// Insert adds value under key with the given charge and returns a handle
// the caller must Release.
func (c *ShardedClockCache) Insert(key BlockCacheKey, value []byte, charge uint64) (*Handle, error) {
	if len(key) != cacheKeySize {
		return nil, ErrKeySize
	}
	h, err := c.shardFor(key).insert(key, value, charge, true)
	if err != nil {
		return nil, err
	}
	return wrap(h), nil
}

// InsertNoHandle adds value under key without returning a handle; the
// entry is immediately eligible for eviction.
func (c *ShardedClockCache) InsertNoHandle(key BlockCacheKey, value []byte, charge uint64) error {
	_, err := c.shardFor(key).insert(key, value, charge, false)
	return err
}

// Lookup returns a referenced handle for key, or nil on miss.
func (c *ShardedClockCache) Lookup(key BlockCacheKey) *Handle {
	return wrap(c.shardFor(key).lookup(key))
}

// Ref takes an additional reference on an already-referenced handle.
func (c *ShardedClockCache) Ref(h *Handle) {
	if h == nil {
		return
	}
	c.shardFor(h.entry.key).ref(h.entry)
}

// Release drops a reference on h. If eraseIfLast is true and this was
// the last reference, the entry is removed from the cache even if it
// would otherwise fit within capacity.
func (c *ShardedClockCache) Release(h *Handle, eraseIfLast bool) bool {
	if h == nil {
		return false
	}
	return c.shardFor(h.entry.key).release(h.entry, eraseIfLast)
}

// Erase removes key from the cache if present.
func (c *ShardedClockCache) Erase(key BlockCacheKey) {
	c.shardFor(key).erase(key)
}

// GetCapacity returns the cache's total capacity across all shards.
func (c *ShardedClockCache) GetCapacity() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.capacity
	}
	return total
}

// GetUsage returns the total bytes currently charged across all shards.
func (c *ShardedClockCache) GetUsage() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.getUsage()
	}
	return total
}

// GetPinnedUsage returns the bytes charged to entries currently held by
// at least one external reference.
func (c *ShardedClockCache) GetPinnedUsage() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.getPinnedUsage()
	}
	return total
}

// SetStrictCapacityLimit updates the strict-capacity-limit flag on every
// shard. Capacity itself is fixed at construction time: see DESIGN.md for
// why live resize (SetCapacity) is intentionally not exposed.
func (c *ShardedClockCache) SetStrictCapacityLimit(strict bool) {
	for _, s := range c.shards {
		s.setStrictCapacityLimit(strict)
	}
}
