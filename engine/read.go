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

// Package engine drives a Request through the read engine's state
// machine (C4: ENTER → HASH/MAP → ADMIT? → LOCK_TRY/LOCK_ASYNC →
// DISPATCH → COMPLETE_FANIN) and through the pass-through engine (C5).
// Control is handed off entirely through callbacks registered on lock
// slots and sub-I/O submissions; neither engine ever blocks the
// calling goroutine.
package engine

import (
	"errors"
	"sync/atomic"

	"github.com/blockcache/core/cerrors"
	"github.com/blockcache/core/history"
	"github.com/blockcache/core/lockline"
	"github.com/blockcache/core/request"
)

// Completion is the caller-supplied callback invoked exactly once per
// request, whether the outcome is success, a cache error demoted to
// pass-through, or a terminal error.
type Completion func(req *request.Request, err error)

// ReadEngine drives reads through C4. Every field is a collaborator
// the core consumes (spec.md §6); none of them are owned by the
// engine itself.
type ReadEngine struct {
	Lines     *lockline.Table
	Coord     *lockline.Coordinator
	History   *history.History
	Mapper    request.Mapper
	CacheIO   request.CacheIO
	BackingIO request.BackingIO
	Stats     request.Stats
	Buf       request.Buffer
	Logger    request.Logger
	Prefetch  request.Prefetcher
	PT        *PassThroughEngine

	// BlockedSignal, when non-zero, is the cache-wide "pending-read-
	// misses blocked" signal checked at ENTER: every new request is
	// forced to pass-through until it clears. It is set/cleared by
	// the external scheduler this core does not model.
	BlockedSignal int32 // atomic

	cacheErrorFallbacks int64 // atomic, CACHE_ERROR fallback counter
}

func (e *ReadEngine) logf(f string, args ...interface{}) {
	if e.Logger != nil {
		e.Logger.Printf(f, args...)
	}
}

// CacheErrorFallbacks returns the number of times a HIT dispatch hit a
// cache-device I/O error and was demoted to pass-through.
func (e *ReadEngine) CacheErrorFallbacks() int64 {
	return atomic.LoadInt64(&e.cacheErrorFallbacks)
}

// Read is the ENTER transition and the entry point into C4. span
// describes the backing-device byte range this request covers, used
// only to consult the admission history — the core's own Request/
// Entry model talks in CacheLine/Status, not backing-device offsets.
func (e *ReadEngine) Read(req *request.Request, span history.Span, onComplete Completion) error {
	req.Retain()

	if atomic.LoadInt32(&e.BlockedSignal) != 0 {
		return e.forcePT(req, span, onComplete)
	}

	if err := e.Mapper.Traverse(req); err != nil {
		e.logf("read %s: mapper traverse: %s", req.ID, err)
		return e.forcePT(req, span, onComplete)
	}

	if req.AllowSecondAdmission {
		if !history.AdmitRequest(e.History, req, span, e.Stats.OccupancyPercent()) {
			return e.forcePT(req, span, onComplete)
		}
	}

	if e.Mapper.NeedsRepartition(req) {
		// best-effort housekeeping: failure does not abort the request.
		if err := e.Mapper.MovePartition(req); err != nil {
			e.logf("read %s: move_partition: %s", req.ID, err)
		}
	}

	mode := request.ModeRead
	if hasMiss(req) {
		// a MISS dispatch backfills the cache, which needs a
		// write-capable lock on the line; see DISPATCH in SPEC_FULL.md.
		mode = request.ModeWrite
	}
	// Coordinator.ReleaseAll keys off req.Mode, so it must always match
	// the lock mode actually used for this acquisition.
	req.Mode = mode

	if err := e.Coord.TryAll(req, mode); err == nil {
		return e.dispatch(req, span, mode, onComplete)
	} else if !errors.Is(err, cerrors.ErrNotAcquired) {
		onComplete(req, err)
		req.Release()
		return err
	}

	err := e.Coord.LockAllAsync(req, mode, func() {
		e.dispatch(req, span, mode, onComplete)
	})
	if err != nil {
		// ENOMEM on the slow path: surfaced directly, no partial
		// locks or waiters left behind (lockline.Coordinator already
		// unwound them).
		onComplete(req, err)
		req.Release()
	}
	return err
}

func hasMiss(req *request.Request) bool {
	for i := range req.Entries {
		s := req.Entries[i].Status
		if s == request.StatusMiss || s == request.StatusRemapped {
			return true
		}
	}
	return false
}

func allHit(req *request.Request) bool {
	for i := range req.Entries {
		if req.Entries[i].Status != request.StatusHit {
			return false
		}
	}
	return true
}

// dispatch is the DISPATCH transition, reached once every
// participating line is locked.
func (e *ReadEngine) dispatch(req *request.Request, span history.Span, mode request.Mode, onComplete Completion) error {
	if allHit(req) {
		return e.dispatchHit(req, onComplete)
	}
	if mode == request.ModeRead {
		// locked only for READ but a MISS is present: this engine
		// never upgrades a read lock to a write lock, it falls back.
		e.Coord.ReleaseAll(req)
		return e.forcePT(req, span, onComplete)
	}
	return e.dispatchMiss(req, onComplete)
}

// dispatchHit submits one parallel cache read per participating HIT
// block and fans their completions in.
func (e *ReadEngine) dispatchHit(req *request.Request, onComplete Completion) error {
	count := 0
	for i := range req.Entries {
		if req.Entries[i].Participates() {
			count++
		}
	}
	if count == 0 {
		e.Coord.ReleaseAll(req)
		onComplete(req, nil)
		req.Release()
		return nil
	}

	req.InitIO(count, func(err error) {
		if err != nil {
			atomic.AddInt64(&e.cacheErrorFallbacks, 1)
			e.logf("read %s: cache I/O error, demoting to pass-through: %s", req.ID, err)
			e.Coord.ReleaseAll(req)
			e.forcePTNoSpan(req, onComplete)
			return
		}
		if e.Prefetch != nil {
			// best-effort, fire-and-forget; must never block COMPLETE_FANIN.
			e.Prefetch.OnHit(req)
		}
		e.Coord.ReleaseAll(req)
		onComplete(req, nil)
		req.Release()
	})

	const blockSize = history.PageSize
	err := e.CacheIO.SubmitCacheReads(req, 0, blockSize, count, func(err error) {
		req.CompleteIO(err)
	})
	if err != nil {
		atomic.AddInt64(&e.cacheErrorFallbacks, 1)
		e.Coord.ReleaseAll(req)
		e.forcePTNoSpan(req, onComplete)
	}
	return err
}

// dispatchMiss allocates a private copy buffer, submits one backing
// read to fill it, and on success copies the result into the
// caller's destination and enqueues a backfill write into the cache
// before marking the freshly-populated lines valid.
func (e *ReadEngine) dispatchMiss(req *request.Request, onComplete Completion) error {
	pages := len(req.Entries)
	buf, err := e.Buf.Alloc(pages)
	if err != nil {
		e.Coord.ReleaseAll(req)
		onComplete(req, cerrors.ErrNoMem)
		req.Release()
		return cerrors.ErrNoMem
	}
	if err := e.Buf.Mlock(buf); err != nil {
		// pinning is best-effort: not every host grants the
		// capability to lock pages, and an unpinned buffer is still
		// correct, just swappable.
		e.logf("read %s: mlock: %s", req.ID, err)
	}

	req.InitIO(1, func(err error) {
		if err != nil {
			// CORE_ERROR: terminal. Invalidate the in-flight MISS
			// metadata and release the copy buffer before surfacing
			// the error.
			if ierr := e.Mapper.Invalidate(req); ierr != nil {
				e.logf("read %s: invalidate after backing I/O error: %s", req.ID, ierr)
			}
			e.Buf.Free(buf)
			e.Coord.ReleaseAll(req)
			onComplete(req, cerrors.ErrBackingIO)
			req.Release()
			return
		}

		data := make([]byte, pages*history.PageSize)
		n, cerr := e.Buf.Copy(buf, data)
		if cerr != nil {
			e.logf("read %s: copy out of backing buffer: %s", req.ID, cerr)
		} else {
			data = data[:n]
			if req.Dest != nil {
				copy(req.Dest, data)
			}
			// enqueue a best-effort, fire-and-forget cache backfill;
			// the request itself completes as soon as the caller has
			// its data, without waiting on this write to land.
			werr := e.CacheIO.SubmitCacheWrite(req, data, func(werr error) {
				if werr != nil {
					e.logf("read %s: backfill write: %s", req.ID, werr)
					return
				}
				if serr := e.Mapper.SetValidMap(req); serr != nil {
					e.logf("read %s: set_valid_map: %s", req.ID, serr)
				}
			})
			if werr != nil {
				e.logf("read %s: backfill submit: %s", req.ID, werr)
			}
		}

		e.Buf.Free(buf)
		e.Coord.ReleaseAll(req)
		onComplete(req, nil)
		req.Release()
	})

	if err := e.BackingIO.Submit(req, buf, func(err error) { req.CompleteIO(err) }); err != nil {
		e.Buf.Free(buf)
		e.Coord.ReleaseAll(req)
		onComplete(req, cerrors.ErrBackingIO)
		req.Release()
		return cerrors.ErrBackingIO
	}
	return nil
}

// forcePT is the FORCE_PT transition: the request is cleared of
// cache-engine state and handed to the pass-through engine. The
// ENTER-time reference this call was reached under is released once
// the hand-off completes, since PassThrough takes its own reference.
func (e *ReadEngine) forcePT(req *request.Request, span history.Span, onComplete Completion) error {
	req.ForcePT = true
	clearLockState(req)
	err := e.PT.PassThrough(req, onComplete)
	req.Release()
	return err
}

// forcePTNoSpan is used by mid-dispatch fallbacks (a HIT cache read
// failed) where no history span needs to be re-consulted — the
// admission decision for this request has already been made. Like
// forcePT, it releases the ENTER-time reference Read took, which is
// still outstanding at this point in the callback chain; PassThrough
// takes and releases its own reference independently.
func (e *ReadEngine) forcePTNoSpan(req *request.Request, onComplete Completion) {
	req.ForcePT = true
	clearLockState(req)
	e.PT.PassThrough(req, onComplete)
	req.Release()
}

func clearLockState(req *request.Request) {
	for i := range req.Entries {
		req.Entries[i].Locked = false
	}
}
