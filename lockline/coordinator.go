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

package lockline

import (
	"github.com/blockcache/core/cerrors"
	"github.com/blockcache/core/request"
)

// Coordinator acquires or enqueues the full set of locks a Request
// needs across its participating blocks, in the order of
// req.Entries. It does not sort the entries: acquisition is in
// ascending CacheLine order only when the caller supplies Entries
// already ascending by Line.
// A block participates in locking only if its map status is neither
// MISS nor REMAPPED; those lines are assigned locks individually
// during eviction, external to the core.
type Coordinator struct {
	table *Table
}

// NewCoordinator builds a Coordinator over the given lock Table.
func NewCoordinator(table *Table) *Coordinator {
	return &Coordinator{table: table}
}

func lockModeFor(reqMode request.Mode) request.Mode {
	if reqMode == request.ModeWrite {
		return request.ModeWrite
	}
	// ModeRead and ModeReadMappedOnly both take read locks.
	return request.ModeRead
}

// TryAll is the fast, non-blocking path: it walks req's entries in
// slice order, try-locking each participating line. On the first
// failure it releases every lock already taken (in reverse order) and
// returns ErrNotAcquired — not a real error, the control signal that
// means "fall back to the slow path." On full success every
// participating entry is marked Locked and TryAll returns nil.
func (c *Coordinator) TryAll(req *request.Request, rw request.Mode) error {
	mode := lockModeFor(rw)
	taken := 0
	for i := range req.Entries {
		e := &req.Entries[i]
		if !e.Participates() {
			continue
		}
		var ok bool
		if mode == request.ModeWrite {
			ok = c.table.TryWrite(e.Line)
		} else {
			ok = c.table.TryRead(e.Line)
		}
		if !ok {
			c.releaseN(req, mode, i)
			return cerrors.ErrNotAcquired
		}
		e.Locked = true
		taken++
	}
	return nil
}

// releaseN releases every participating, locked entry with index < upTo,
// iterating backwards, used to unwind a partial TryAll acquisition.
func (c *Coordinator) releaseN(req *request.Request, mode request.Mode, upTo int) {
	for i := upTo - 1; i >= 0; i-- {
		e := &req.Entries[i]
		if !e.Participates() || !e.Locked {
			continue
		}
		if mode == request.ModeWrite {
			c.table.UnlockWrite(e.Line)
		} else {
			c.table.UnlockRead(e.Line)
		}
		e.Locked = false
	}
}

// CheckFast is a dry run used to cheaply predict whether TryAll would
// succeed for WRITE: it acquires and immediately releases every
// participating line. It is a hint only, never an observable lock.
//
// The release here must always be a WRITE release, regardless of
// req.Mode — req may be tagged ModeRead or ModeReadMappedOnly (the
// common case for a caller probing write availability ahead of a
// real read), and ReleaseAll releases using req.Mode, which would
// wrongly attempt an UnlockRead on lines this call locked via
// TryWrite.
func (c *Coordinator) CheckFast(req *request.Request) bool {
	err := c.TryAll(req, request.ModeWrite)
	if err != nil {
		return false
	}
	c.releaseN(req, request.ModeWrite, len(req.Entries))
	return true
}

// FailWaiterAlloc is consulted once per participating block during
// LockAllAsync, before that block's waiter would be registered. It
// exists so tests can reproduce spec.md's S6 scenario (waiter
// allocation fails partway through a multi-block lock-all) without a
// real memory-pressure harness. The default never fails.
var FailWaiterAlloc = func(req *request.Request, blockIndex int) bool { return false }

// LockAllAsync is the slow path: for every participating block it
// either grants immediately or enqueues a waiter; non-participating
// blocks also count down the fan-in counter immediately, matching
// spec.md §4.2. onAllGranted fires exactly once, whether that happens
// before LockAllAsync returns or later from a lock-table wake-up.
//
// If a waiter cannot be registered partway through (ErrNoMem), every
// waiter enqueued so far for this call is cancelled and every lock
// already granted is released, onAllGranted is never invoked, and
// ErrNoMem is returned.
func (c *Coordinator) LockAllAsync(req *request.Request, rw request.Mode, onAllGranted func()) error {
	mode := lockModeFor(rw)
	req.InitLocks(len(req.Entries), onAllGranted)

	type placement struct {
		line     request.CacheLine
		acquired bool
		token    *waiter
	}
	placed := make([]placement, 0, len(req.Entries))

	unwind := func() {
		for _, p := range placed {
			if p.acquired {
				if mode == request.ModeWrite {
					c.table.UnlockWrite(p.line)
				} else {
					c.table.UnlockRead(p.line)
				}
				continue
			}
			if !c.table.Cancel(p.line, p.token) {
				// lost the race: the waiter was granted just before
				// we could cancel it, so it must be released instead.
				if mode == request.ModeWrite {
					c.table.UnlockWrite(p.line)
				} else {
					c.table.UnlockRead(p.line)
				}
			}
		}
		for i := range req.Entries {
			req.Entries[i].Locked = false
		}
	}

	for i := range req.Entries {
		e := &req.Entries[i]
		if !e.Participates() {
			req.GrantLock()
			continue
		}
		if FailWaiterAlloc(req, i) {
			unwind()
			return cerrors.ErrNoMem
		}
		var granted bool
		var token *waiter
		if mode == request.ModeWrite {
			granted, token = c.table.LockWrite(e.Line, func() {
				e.Locked = true
				req.GrantLock()
			})
		} else {
			granted, token = c.table.LockRead(e.Line, func() {
				e.Locked = true
				req.GrantLock()
			})
		}
		if granted {
			e.Locked = true
			req.GrantLock()
		}
		placed = append(placed, placement{line: e.Line, acquired: granted, token: token})
	}
	return nil
}

// ReleaseAll releases every entry this request holds locked and
// clears the Locked flag, restoring the request to an unlocked state.
func (c *Coordinator) ReleaseAll(req *request.Request) {
	mode := lockModeFor(req.Mode)
	for i := range req.Entries {
		e := &req.Entries[i]
		if !e.Participates() || !e.Locked {
			continue
		}
		if mode == request.ModeWrite {
			c.table.UnlockWrite(e.Line)
		} else {
			c.table.UnlockRead(e.Line)
		}
		e.Locked = false
	}
}
