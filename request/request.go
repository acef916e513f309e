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

// Package request holds the central data model shared by the lock
// table, admission history, and read/pass-through engines: the
// CacheLine index space, per-block map entries, the Request itself,
// and the external collaborator interfaces the core consumes.
package request

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// CacheLine is a dense index in [0, N_lines) identifying both a
// physical slot on the cache device and a row in the lock table. It
// is immutable for the lifetime of the cache.
type CacheLine uint32

// Status is the per-block classification assigned by the external
// mapper during MAP.
type Status int

const (
	// StatusHit means the block is resident and valid in the cache.
	StatusHit Status = iota
	// StatusMiss means the block is not resident.
	StatusMiss
	// StatusRemapped means a reassignment is currently in flight;
	// the mapper may later promote this to StatusHit once the
	// eviction assignment completes.
	StatusRemapped
)

func (s Status) String() string {
	switch s {
	case StatusHit:
		return "HIT"
	case StatusMiss:
		return "MISS"
	case StatusRemapped:
		return "REMAPPED"
	default:
		return "UNKNOWN"
	}
}

// Mode is the access mode of a Request.
type Mode int

const (
	// ModeRead is a plain read request.
	ModeRead Mode = iota
	// ModeWrite is a write request.
	ModeWrite
	// ModeReadMappedOnly is the write-lock-check-fast policy used by
	// the pass-through engine: only mapped (HIT) lines participate
	// in locking, and only read locks are taken.
	ModeReadMappedOnly
)

// Entry is one block's worth of per-request map state.
//
// Status is set by the mapper before locking and is not mutated by
// the core thereafter, except that a REMAPPED status may be promoted
// to HIT by an external eviction-assignment completion. Locked is
// owned exclusively by the lock coordinator.
type Entry struct {
	Line   CacheLine
	Status Status
	Locked bool
}

// Participates reports whether this entry's line should participate
// in per-line locking. MISS and REMAPPED lines are assigned locks
// individually during eviction, external to the core (spec.md §4.2).
func (e *Entry) Participates() bool {
	return e.Status != StatusMiss && e.Status != StatusRemapped
}

// Request is the central object a single read or write traverses the
// engines as. It is reference counted: the caller holds one reference,
// and the read and pass-through engines each take one more at entry
// and hold it until the request completes, is parked, or (for the
// read engine) has been handed to the pass-through engine. Sub-I/Os and
// wait-queue entries do not take references of their own; they run
// under the engine's reference.
type Request struct {
	// ID correlates log lines and traces for one request; it carries
	// no semantic weight for the core itself.
	ID uuid.UUID

	Entries []Entry
	Mode    Mode

	// Dest is the caller-supplied destination buffer a backfilled
	// MISS dispatch copies the backing-device read into. It is
	// optional; a nil Dest means the caller only cares that the line
	// ends up resident (e.g. a warm-up read), and no host copy is
	// performed. HIT dispatch bypasses Dest entirely — CacheIO reads
	// directly into wherever the caller's cache-device I/O targets.
	Dest []byte

	// ForcePT is set whenever the request has been routed to the
	// pass-through engine, either by the caller or by ADMIT?/ENTER.
	ForcePT bool

	// AllowSecondAdmission is a caller-supplied hint: when false, the
	// ADMIT? step is skipped entirely (opt-out of secondary
	// admission filtering).
	AllowSecondAdmission bool

	// lockRemaining counts down as each participating line's lock is
	// granted (fast or slow path); the registered completion fires
	// when it reaches zero.
	lockRemaining int32
	onAllGranted  func()

	// ioRemaining is the completion fan-in counter for parallel
	// sub-I/Os dispatched for this request.
	ioRemaining int32
	onComplete  func(error)

	// refs is the reference count: the caller plus each engine that
	// is still driving this Request.
	refs int32

	// firstErr records the first sub-I/O error seen during fan-in,
	// so that COMPLETE_FANIN can report it even if later sub-I/Os
	// complete successfully.
	firstErr atomic.Value // errBox
}

// errBox wraps an error so that atomic.Value always holds one
// concrete type, including when no error has been recorded yet.
type errBox struct{ err error }

// New builds a Request over count blocks, pre-seeded with a fresh
// trace id and a reference count of one (the caller's own reference).
func New(count int, mode Mode, allowSecondAdmission bool) *Request {
	r := &Request{
		ID:                   uuid.New(),
		Entries:              make([]Entry, count),
		Mode:                 mode,
		AllowSecondAdmission: allowSecondAdmission,
		refs:                 1,
	}
	return r
}

// Retain increments the reference count. The read and pass-through
// engines call it once on entry and call Release exactly once on
// every terminal path; the lock coordinator and I/O submissions do
// not call it.
func (r *Request) Retain() {
	atomic.AddInt32(&r.refs, 1)
}

// Release decrements the reference count and reports whether this was
// the final reference (i.e. the request may now be recycled).
func (r *Request) Release() bool {
	return atomic.AddInt32(&r.refs, -1) == 0
}

// RefCount returns the current reference count, for diagnostics only.
func (r *Request) RefCount() int32 {
	return atomic.LoadInt32(&r.refs)
}

// InitLocks arms the lock fan-in counter: n is the number of entries
// that will eventually report a grant (participating or not — see
// spec.md §4.2: "non-participating blocks also decrement
// lock_remaining"). onAllGranted is invoked exactly once, when the
// counter reaches zero.
func (r *Request) InitLocks(n int, onAllGranted func()) {
	atomic.StoreInt32(&r.lockRemaining, int32(n))
	r.onAllGranted = onAllGranted
}

// GrantLock decrements the lock fan-in counter by one and invokes the
// registered callback exactly once, when the counter reaches zero.
func (r *Request) GrantLock() {
	if atomic.AddInt32(&r.lockRemaining, -1) == 0 {
		cb := r.onAllGranted
		if cb != nil {
			cb()
		}
	}
}

// LockRemaining reports the current value of the lock fan-in counter,
// for diagnostics and tests only.
func (r *Request) LockRemaining() int32 {
	return atomic.LoadInt32(&r.lockRemaining)
}

// InitIO arms the I/O fan-in counter: n parallel sub-I/Os are about to
// be submitted, and onComplete is invoked exactly once, carrying the
// first error observed (or nil), when the counter reaches zero.
func (r *Request) InitIO(n int, onComplete func(error)) {
	atomic.StoreInt32(&r.ioRemaining, int32(n))
	r.onComplete = onComplete
	r.firstErr.Store(errBox{})
}

// CompleteIO reports one sub-I/O's result. The first non-nil error
// observed across all sub-I/Os is the one delivered to onComplete;
// later errors are dropped after being counted. The completion
// callback fires exactly once.
func (r *Request) CompleteIO(err error) {
	if err != nil {
		r.firstErr.CompareAndSwap(errBox{}, errBox{err})
	}
	if atomic.AddInt32(&r.ioRemaining, -1) == 0 {
		cb := r.onComplete
		if cb != nil {
			first, _ := r.firstErr.Load().(errBox)
			cb(first.err)
		}
	}
}

// LockedCount returns the number of entries currently marked Locked,
// used by tests asserting the atomicity-of-acquisition invariant.
func (r *Request) LockedCount() int {
	n := 0
	for i := range r.Entries {
		if r.Entries[i].Locked {
			n++
		}
	}
	return n
}
