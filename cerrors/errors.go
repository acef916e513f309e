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

// Package cerrors holds the sentinel errors shared by the lock table,
// admission history, and read/pass-through engines.
package cerrors

import "errors"

// ErrNoMem is returned when a waiter node, history entry, or copy
// buffer could not be allocated. Any locks or waiters already taken
// for the request are released before this is surfaced.
var ErrNoMem = errors.New("cachecore: out of memory")

// ErrCacheIO is returned when a sub-I/O against the cache device
// failed. The caller does not see this directly: the HIT path demotes
// the remainder of the request to pass-through and only surfaces an
// error if the fallback also fails.
var ErrCacheIO = errors.New("cachecore: cache device I/O error")

// ErrBackingIO is returned when a sub-I/O against the backing device
// failed. This is terminal: metadata for in-flight MISS lines is
// invalidated and the error is propagated to the caller.
var ErrBackingIO = errors.New("cachecore: backing device I/O error")

// ErrMapping is returned when the external mapper reports an internal
// inconsistency. The request is cleared of cache-engine state and
// routed through the pass-through engine.
var ErrMapping = errors.New("cachecore: mapper inconsistency")

// ErrNotAcquired is not a failure: it is the control signal meaning
// "the fast lock path could not acquire every line; park the request
// and resume it from the wake-up callback."
var ErrNotAcquired = errors.New("cachecore: lock set not acquired")

// IsControlSignal reports whether err is ErrNotAcquired, i.e. a
// non-error outcome that merely routes control flow.
func IsControlSignal(err error) bool {
	return errors.Is(err, ErrNotAcquired)
}
