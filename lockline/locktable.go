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

// Package lockline implements per-cache-line reader/writer locking
// (C1) and the request-scoped lock coordinator built on top of it
// (C2). Each line has its own mutex, so contention on one line never
// blocks progress on another; the coordinator acquires a request's
// lines in the order of its entries and does not sort them.
package lockline

import (
	"golang.org/x/exp/slices"

	"github.com/blockcache/core/request"
)

type slotState int

const (
	stateFree slotState = iota
	stateRead
	stateWrite
)

type waiter struct {
	mode      request.Mode
	onGranted func()
}

type slot struct {
	mu      chan struct{} // 1-buffered channel used as a non-reentrant mutex
	state   slotState
	readers uint32
	waiters []*waiter
}

func newSlot() *slot {
	s := &slot{mu: make(chan struct{}, 1)}
	s.mu <- struct{}{}
	return s
}

func (s *slot) lock()   { <-s.mu }
func (s *slot) unlock() { s.mu <- struct{}{} }

// Table is one reader/writer lock slot per cache line, with a
// per-slot FIFO wait queue. Table satisfies the writer-preference
// invariant of spec.md §4.1: once a writer is queued on a slot, newly
// arriving readers queue behind it rather than jumping ahead.
type Table struct {
	slots []*slot
}

// NewTable builds a Table with nLines independent slots, all FREE.
func NewTable(nLines int) *Table {
	t := &Table{slots: make([]*slot, nLines)}
	for i := range t.slots {
		t.slots[i] = newSlot()
	}
	return t
}

// NumLines returns the number of lines this table covers.
func (t *Table) NumLines() int { return len(t.slots) }

// TryRead succeeds only if the slot is FREE or already held READ and
// no waiters are queued (the writer-preference rule: a pending writer
// must not be starved by a stream of new readers arriving after it).
func (t *Table) TryRead(line request.CacheLine) bool {
	s := t.slots[line]
	s.lock()
	defer s.unlock()
	if len(s.waiters) != 0 {
		return false
	}
	switch s.state {
	case stateFree:
		s.state = stateRead
		s.readers = 1
		return true
	case stateRead:
		s.readers++
		return true
	default:
		return false
	}
}

// TryWrite succeeds only if the slot is FREE.
func (t *Table) TryWrite(line request.CacheLine) bool {
	s := t.slots[line]
	s.lock()
	defer s.unlock()
	if s.state != stateFree {
		return false
	}
	s.state = stateWrite
	return true
}

// LockRead grants immediately (as TryRead) or enqueues a READ waiter
// and returns (false, token). onGranted is invoked exactly once, later
// and without the slot mutex held, if this call enqueues rather than
// grants. The returned token is non-nil only when enqueued, and may be
// passed to Cancel to remove the waiter before it is granted.
func (t *Table) LockRead(line request.CacheLine, onGranted func()) (granted bool, token *waiter) {
	s := t.slots[line]
	s.lock()
	if len(s.waiters) == 0 {
		switch s.state {
		case stateFree:
			s.state = stateRead
			s.readers = 1
			s.unlock()
			return true, nil
		case stateRead:
			s.readers++
			s.unlock()
			return true, nil
		}
	}
	w := &waiter{mode: request.ModeRead, onGranted: onGranted}
	s.waiters = append(s.waiters, w)
	s.unlock()
	return false, w
}

// LockWrite grants immediately (as TryWrite) or enqueues a WRITE
// waiter, with the same deferred-callback and token contract as
// LockRead.
func (t *Table) LockWrite(line request.CacheLine, onGranted func()) (granted bool, token *waiter) {
	s := t.slots[line]
	s.lock()
	if s.state == stateFree {
		s.state = stateWrite
		s.unlock()
		return true, nil
	}
	w := &waiter{mode: request.ModeWrite, onGranted: onGranted}
	s.waiters = append(s.waiters, w)
	s.unlock()
	return false, w
}

// Cancel removes a not-yet-granted waiter identified by token from
// line's wait queue. It reports whether the waiter was found and
// removed; a false result means the waiter has already been granted
// (the race between enqueueing and cancelling lost), and the caller
// must instead treat the line as locked and release it normally.
func (t *Table) Cancel(line request.CacheLine, token *waiter) bool {
	if token == nil {
		return false
	}
	s := t.slots[line]
	s.lock()
	defer s.unlock()
	for i, w := range s.waiters {
		if w == token {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// UnlockRead releases one reader's hold on line. When the reader
// count reaches zero, the head of the wait queue (if any) is woken:
// a queued writer is granted alone, or a maximal prefix of consecutive
// reader waiters is granted together.
func (t *Table) UnlockRead(line request.CacheLine) {
	s := t.slots[line]
	s.lock()
	if s.state != stateRead || s.readers == 0 {
		s.unlock()
		panic("lockline: UnlockRead on a slot that is not held READ")
	}
	s.readers--
	var woken []*waiter
	if s.readers == 0 {
		s.state = stateFree
		woken = s.wakeLocked()
	}
	s.unlock()
	invoke(woken)
}

// UnlockWrite releases the sole writer's hold on line and wakes
// waiters by the same rule as UnlockRead.
func (t *Table) UnlockWrite(line request.CacheLine) {
	s := t.slots[line]
	s.lock()
	if s.state != stateWrite {
		s.unlock()
		panic("lockline: UnlockWrite on a slot that is not held WRITE")
	}
	s.state = stateFree
	woken := s.wakeLocked()
	s.unlock()
	invoke(woken)
}

// wakeLocked must be called with s.mu held and s.state == stateFree.
// It grants the head waiter (if a writer, alone; if a reader, together
// with every consecutive reader waiter behind it) and returns the
// callbacks to invoke after the slot mutex is released.
func (s *slot) wakeLocked() []*waiter {
	if len(s.waiters) == 0 {
		return nil
	}
	if s.waiters[0].mode == request.ModeWrite {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.state = stateWrite
		return []*waiter{w}
	}
	n := 0
	for n < len(s.waiters) && s.waiters[n].mode != request.ModeWrite {
		n++
	}
	granted := append([]*waiter(nil), s.waiters[:n]...)
	s.waiters = s.waiters[n:]
	s.state = stateRead
	s.readers = uint32(n)
	return granted
}

func invoke(woken []*waiter) {
	for _, w := range woken {
		if w.onGranted != nil {
			w.onGranted()
		}
	}
}

// WaitersEmpty reports whether line currently has no queued waiters.
func (t *Table) WaitersEmpty(line request.CacheLine) bool {
	s := t.slots[line]
	s.lock()
	defer s.unlock()
	return len(s.waiters) == 0
}

// TotalWaiters sums the queued-waiter count across every line, for
// diagnostics.
func (t *Table) TotalWaiters() int {
	total := 0
	for _, s := range t.slots {
		s.lock()
		total += len(s.waiters)
		s.unlock()
	}
	return total
}

// waiterModes is a small helper used by tests to assert FIFO order
// without reaching into slot internals; it is not part of the public
// read/write-lock contract.
func waiterModes(w []*waiter) []request.Mode {
	modes := make([]request.Mode, len(w))
	for i := range w {
		modes[i] = w[i].mode
	}
	return modes
}

// LinesWithWaiters returns, in ascending order, every line index that
// currently has at least one queued waiter. It is a diagnostic only;
// nothing on the locking path consults it.
func (t *Table) LinesWithWaiters() []request.CacheLine {
	var lines []request.CacheLine
	for i, s := range t.slots {
		s.lock()
		empty := len(s.waiters) == 0
		s.unlock()
		if !empty {
			lines = append(lines, request.CacheLine(i))
		}
	}
	slices.Sort(lines)
	return lines
}
