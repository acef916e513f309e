// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package history implements the secondary-admission filter (C3): a
// bounded, chaining hash table of recently-seen (block address,
// backing device id) pairs, backed by a single global LRU list, that
// gates whether a cache miss is worth populating once the cache is
// near-full.
//
// Nodes live in a flat arena (a slice of node, indexed by int32)
// rather than as individually heap-allocated, pointer-linked
// structures: the hash chains and the LRU list are both just indices
// into the same arena (see DESIGN.md, C3). This keeps the table and the LRU list sharing node
// storage without any unsafe back-pointers.
package history

import (
	"encoding/binary"
	"sync"

	"github.com/dchest/siphash"

	"github.com/blockcache/core/request"
)

const (
	// PageSize is the fixed block size addresses are aligned to
	// before being used as a history key (spec.md §4.3).
	PageSize = 4096

	// MinHashSize and MaxHashSize bound the table's bucket count; it
	// is always a power of two.
	MinHashSize = 2048
	MaxHashSize = 1 << 20

	// HashResizeThreshold is the load factor above which the table
	// grows; SetMaxEntries shrinks it once the load factor falls below
	// half of this.
	HashResizeThreshold = 0.75
)

const nilIdx int32 = -1

type node struct {
	addr     uint64
	backing  uint32
	lastSeen uint64
	hits     uint32
	inUse    bool

	hashNext int32
	lruPrev  int32
	lruNext  int32
}

// History is the admission history: a power-of-two chaining hash
// table plus a global doubly-linked LRU list, bounded by MaxEntries.
// All operations are serialised under a single mutex — spec.md §4.3
// explicitly permits this, since the history is not on the fast read
// path while the cache is not full.
type History struct {
	mu sync.Mutex

	nodes    []node
	freeList []int32
	buckets  []int32
	count    int

	lruHead, lruTail int32
	clock            uint64

	k0, k1 uint64 // siphash key, fixed for the lifetime of the table

	maxEntries        int
	minMaxEntries     int
	maxMaxEntries     int
	hashSize          int
	minHashSize       int
	maxHashSize       int
	hitRatioThreshold float64
	fullThresholdPerc int
}

// Config configures a History at construction time. Zero-value fields
// fall back to the defaults named in spec.md §6.
type Config struct {
	MaxHistoryInitial int
	MaxHistoryMin     int
	MaxHistoryMax     int
	HashSizeInitial   int
	HashSizeMin       int
	HashSizeMax       int
	HitRatioThreshold float64
	FullThresholdPerc int
	// SipKey0, SipKey1 seed the siphash mixing function used as the
	// table's hash. Tests may pin these for determinism; production
	// callers should leave them zero to get a fixed, documented key.
	SipKey0, SipKey1 uint64
}

func (c Config) withDefaults() Config {
	if c.MaxHistoryInitial == 0 {
		c.MaxHistoryInitial = 1000
	}
	if c.MaxHistoryMin == 0 {
		c.MaxHistoryMin = 100
	}
	if c.MaxHistoryMax == 0 {
		c.MaxHistoryMax = 100000
	}
	if c.HashSizeInitial == 0 {
		c.HashSizeInitial = MinHashSize
	}
	if c.HashSizeMin == 0 {
		c.HashSizeMin = MinHashSize
	}
	if c.HashSizeMax == 0 {
		c.HashSizeMax = MaxHashSize
	}
	if c.HitRatioThreshold == 0 {
		c.HitRatioThreshold = 0.5
	}
	if c.FullThresholdPerc == 0 {
		c.FullThresholdPerc = 99
	}
	return c
}

// New builds an empty History per cfg.
func New(cfg Config) *History {
	cfg = cfg.withDefaults()
	h := &History{
		maxEntries:        cfg.MaxHistoryInitial,
		minMaxEntries:     cfg.MaxHistoryMin,
		maxMaxEntries:     cfg.MaxHistoryMax,
		hashSize:          cfg.HashSizeInitial,
		minHashSize:       cfg.HashSizeMin,
		maxHashSize:       cfg.HashSizeMax,
		hitRatioThreshold: cfg.HitRatioThreshold,
		fullThresholdPerc: cfg.FullThresholdPerc,
		k0:                cfg.SipKey0,
		k1:                cfg.SipKey1,
		lruHead:           nilIdx,
		lruTail:           nilIdx,
	}
	h.buckets = newBuckets(h.hashSize)
	return h
}

func newBuckets(size int) []int32 {
	b := make([]int32, size)
	for i := range b {
		b[i] = nilIdx
	}
	return b
}

// bucketOf computes the fixed 64-bit siphash mixing of (addr,
// backingID), masked to the current table size — spec.md §4.3
// normatively requires a function that behaves like the MurmurHash3
// finaliser here (uniform across power-of-two masks); siphash.Hash is
// the pack's already-wired equivalent (see SPEC_FULL.md §3).
func (h *History) bucketOf(addr uint64, backingID uint32) uint32 {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], addr)
	binary.LittleEndian.PutUint32(buf[8:], backingID)
	sum := siphash.Hash(h.k0, h.k1, buf[:])
	return uint32(sum) & uint32(h.hashSize-1)
}

func align(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// lookupLocked finds (addr, backingID) and, if present, bumps its hit
// counter, refreshes last-seen, and moves it to the LRU head. It
// reports whether the entry was present.
func (h *History) lookupLocked(addr uint64, backingID uint32) bool {
	b := h.bucketOf(addr, backingID)
	idx := h.buckets[b]
	for idx != nilIdx {
		n := &h.nodes[idx]
		if n.addr == addr && n.backing == backingID {
			h.clock++
			n.hits++
			n.lastSeen = h.clock
			h.moveToLRUHead(idx)
			return true
		}
		idx = n.hashNext
	}
	return false
}

// Lookup is the exported, locking form of lookupLocked.
func (h *History) Lookup(addr uint64, backingID uint32) bool {
	addr = align(addr)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lookupLocked(addr, backingID)
}

// InsertOrTouch behaves as Lookup if the key is already present;
// otherwise it allocates a new entry at the LRU head and, if that
// pushes count over maxEntries, evicts the LRU tail.
func (h *History) InsertOrTouch(addr uint64, backingID uint32) {
	addr = align(addr)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.insertOrTouchLocked(addr, backingID)
}

func (h *History) insertOrTouchLocked(addr uint64, backingID uint32) {
	if h.lookupLocked(addr, backingID) {
		return
	}
	h.clock++
	idx := h.allocNode()
	n := &h.nodes[idx]
	n.addr = addr
	n.backing = backingID
	n.lastSeen = h.clock
	n.hits = 1
	n.inUse = true

	b := h.bucketOf(addr, backingID)
	n.hashNext = h.buckets[b]
	h.buckets[b] = idx
	h.pushLRUHead(idx)
	h.count++

	h.maybeGrow()
	if h.count > h.maxEntries {
		h.evictTailLocked()
	}
}

func (h *History) allocNode() int32 {
	if n := len(h.freeList); n > 0 {
		idx := h.freeList[n-1]
		h.freeList = h.freeList[:n-1]
		return idx
	}
	h.nodes = append(h.nodes, node{})
	return int32(len(h.nodes) - 1)
}

func (h *History) evictTailLocked() {
	idx := h.lruTail
	if idx == nilIdx {
		return
	}
	n := &h.nodes[idx]
	h.unlinkHashChain(idx, n.addr, n.backing)
	h.removeLRU(idx)
	*n = node{}
	h.freeList = append(h.freeList, idx)
	h.count--
}

func (h *History) unlinkHashChain(idx int32, addr uint64, backingID uint32) {
	b := h.bucketOf(addr, backingID)
	cur := h.buckets[b]
	if cur == idx {
		h.buckets[b] = h.nodes[idx].hashNext
		return
	}
	for cur != nilIdx {
		next := h.nodes[cur].hashNext
		if next == idx {
			h.nodes[cur].hashNext = h.nodes[idx].hashNext
			return
		}
		cur = next
	}
}

func (h *History) pushLRUHead(idx int32) {
	n := &h.nodes[idx]
	n.lruPrev = nilIdx
	n.lruNext = h.lruHead
	if h.lruHead != nilIdx {
		h.nodes[h.lruHead].lruPrev = idx
	}
	h.lruHead = idx
	if h.lruTail == nilIdx {
		h.lruTail = idx
	}
}

func (h *History) removeLRU(idx int32) {
	n := &h.nodes[idx]
	if n.lruPrev != nilIdx {
		h.nodes[n.lruPrev].lruNext = n.lruNext
	} else {
		h.lruHead = n.lruNext
	}
	if n.lruNext != nilIdx {
		h.nodes[n.lruNext].lruPrev = n.lruPrev
	} else {
		h.lruTail = n.lruPrev
	}
}

func (h *History) moveToLRUHead(idx int32) {
	if h.lruHead == idx {
		return
	}
	h.removeLRU(idx)
	h.pushLRUHead(idx)
}

// maybeGrow doubles the bucket count once the load factor exceeds
// HashResizeThreshold, bounded by maxHashSize. This is a quality
// improvement, not correctness-bearing (spec.md §4.3).
func (h *History) maybeGrow() {
	if h.hashSize >= h.maxHashSize {
		return
	}
	if float64(h.count)/float64(h.hashSize) <= HashResizeThreshold {
		return
	}
	h.rehash(h.hashSize * 2)
}

// maybeShrink halves the bucket count once the load factor falls
// below half of HashResizeThreshold, bounded by minHashSize.
func (h *History) maybeShrink() {
	if h.hashSize <= h.minHashSize {
		return
	}
	if float64(h.count)/float64(h.hashSize) >= HashResizeThreshold/2 {
		return
	}
	h.rehash(h.hashSize / 2)
}

func (h *History) rehash(newSize int) {
	h.hashSize = newSize
	h.buckets = newBuckets(newSize)
	for idx := h.lruHead; idx != nilIdx; idx = h.nodes[idx].lruNext {
		n := &h.nodes[idx]
		b := h.bucketOf(n.addr, n.backing)
		n.hashNext = h.buckets[b]
		h.buckets[b] = idx
	}
}

// Count returns the number of live entries, for diagnostics/tests.
func (h *History) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// SetMaxEntries adjusts the bounded entry count within
// [minMaxEntries, maxMaxEntries], evicting immediately if the new
// bound is lower than the current count. This is the optional
// quality-of-service knob of spec.md §4.3 ("max_entries may
// grow/shrink... not correctness-bearing").
func (h *History) SetMaxEntries(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n < h.minMaxEntries {
		n = h.minMaxEntries
	}
	if n > h.maxMaxEntries {
		n = h.maxMaxEntries
	}
	h.maxEntries = n
	for h.count > h.maxEntries {
		h.evictTailLocked()
	}
	h.maybeShrink()
}

// pageSpan returns the ascending, page-aligned addresses covered by a
// span starting at addr and running for size bytes.
func pageSpan(addr uint64, size int64) []uint64 {
	if size <= 0 {
		return nil
	}
	start := align(addr)
	end := align(addr+uint64(size)-1) + PageSize
	pages := make([]uint64, 0, (end-start)/PageSize)
	for a := start; a < end; a += PageSize {
		pages = append(pages, a)
	}
	return pages
}

// Span describes the block-address range a Request covers, expressed
// in the domain terms the admission filter understands (the core
// Request/Entry model of package request talks in CacheLine/Status,
// not backing-device byte offsets, so callers that want Admit to
// consult the history pass this in separately — see engine.ReadEngine
// for how the two are connected).
type Span struct {
	Addr      uint64
	Size      int64
	BackingID uint32
}

// Admit decides whether a request's span is "familiar enough" to be
// worth caching: admitted unconditionally while the cache is not
// near-full, or when the span's page hit ratio against the history
// meets hitRatioThreshold. Every page in the span is recorded via
// InsertOrTouch afterward (both hits and misses), so the LRU state
// stays warm even on unconditional admission.
func (h *History) Admit(span Span, occupancyPercent int) bool {
	pages := pageSpan(span.Addr, span.Size)
	if len(pages) == 0 {
		return true
	}

	h.mu.Lock()
	full := occupancyPercent >= h.fullThresholdPerc
	var admitted bool
	if !full {
		admitted = true
	} else {
		hitPages := 0
		for _, p := range pages {
			if h.lookupLocked(p, span.BackingID) {
				hitPages++
			}
		}
		ratio := float64(hitPages) / float64(len(pages))
		admitted = ratio >= h.hitRatioThreshold
	}
	for _, p := range pages {
		h.insertOrTouchLocked(p, span.BackingID)
	}
	h.mu.Unlock()
	return admitted
}

// AdmitRequest is a convenience wrapper for callers that already have
// a *request.Request and know its backing-device span; it exists so
// the read engine does not need to import the hash/LRU internals of
// this package, only Span and Admit.
func AdmitRequest(h *History, req *request.Request, span Span, occupancyPercent int) bool {
	if !req.AllowSecondAdmission {
		return true
	}
	return h.Admit(span, occupancyPercent)
}
