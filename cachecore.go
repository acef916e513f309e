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

// Package cachecore wires the lock table (C1), request-lock
// coordinator (C2), admission history (C3), read engine (C4), and
// pass-through engine (C5) into a single entry point, the way
// dcache.Cache wires a mapping table, worker pool, and eviction heap
// behind one Cache type.
package cachecore

import (
	"fmt"

	"github.com/blockcache/core/engine"
	"github.com/blockcache/core/history"
	"github.com/blockcache/core/lockline"
	"github.com/blockcache/core/request"
)

// Cache is the single handle returned by Init, the `init(cache_ref,
// num_lines)` operation of spec.md §6.
type Cache struct {
	lines *lockline.Table
	coord *lockline.Coordinator
	hist  *history.History
	read  *engine.ReadEngine
	pt    *engine.PassThroughEngine

	cfg Config

	// Debug is a flag for callers' own debug-only checks; no code in
	// this module reads it (see DESIGN.md's debug-toggle note).
	Debug bool
}

// Collaborators bundles every external interface the core consumes
// (spec.md §6). Mapper, CacheIO, BackingIO, Stats, and Buffer are
// required; Prefetch, Logger, IsDirty, and Clean may be nil.
type Collaborators struct {
	Mapper    request.Mapper
	CacheIO   request.CacheIO
	BackingIO request.BackingIO
	Stats     request.Stats
	Buffer    request.Buffer
	Prefetch  request.Prefetcher
	Logger    request.Logger

	// IsDirty and Clean wire the pass-through engine's dirty-trigger-
	// cleaning step; both may be nil, in which case no request is
	// ever treated as dirty.
	IsDirty engine.DirtyChecker
	Clean   engine.Cleaner
}

// Init is the `init(cache_ref, num_lines)` operation: it builds a
// Cache over numLines cache-line slots, wired to the given
// collaborators and configuration.
func Init(numLines int, cfg Config, col Collaborators) (*Cache, error) {
	if numLines <= 0 {
		return nil, fmt.Errorf("cachecore: num_lines must be positive, got %d", numLines)
	}
	if col.Mapper == nil || col.CacheIO == nil || col.BackingIO == nil || col.Stats == nil || col.Buffer == nil {
		return nil, fmt.Errorf("cachecore: Mapper, CacheIO, BackingIO, Stats, and Buffer collaborators are required")
	}
	cfg = cfg.withDefaults()

	lines := lockline.NewTable(numLines)
	coord := lockline.NewCoordinator(lines)
	hist := history.New(history.Config{
		MaxHistoryInitial: cfg.MaxHistoryInitial,
		MaxHistoryMin:     cfg.MaxHistoryMin,
		MaxHistoryMax:     cfg.MaxHistoryMax,
		HashSizeInitial:   cfg.HashSizeInitial,
		HashSizeMin:       cfg.HashSizeMin,
		HashSizeMax:       cfg.HashSizeMax,
		HitRatioThreshold: cfg.HitRatioThreshold,
		FullThresholdPerc: cfg.FullThreshold,
	})

	pt := &engine.PassThroughEngine{
		Lines:     lines,
		Coord:     coord,
		Mapper:    col.Mapper,
		BackingIO: col.BackingIO,
		Logger:    col.Logger,
		IsDirty:   col.IsDirty,
		Clean:     col.Clean,
	}
	read := &engine.ReadEngine{
		Lines:     lines,
		Coord:     coord,
		History:   hist,
		Mapper:    col.Mapper,
		CacheIO:   col.CacheIO,
		BackingIO: col.BackingIO,
		Stats:     col.Stats,
		Buf:       col.Buffer,
		Logger:    col.Logger,
		Prefetch:  col.Prefetch,
		PT:        pt,
	}

	return &Cache{
		lines: lines,
		coord: coord,
		hist:  hist,
		read:  read,
		pt:    pt,
		cfg:   cfg,
	}, nil
}

// Deinit releases c. The core holds no persisted state and no
// external resources of its own (spec.md §6: "Persisted state: none"),
// so this exists only to give callers a symmetric lifecycle hook and
// to make future resource ownership (e.g. a pooled history arena)
// easy to add without changing the call site.
func Deinit(c *Cache) {}

// Read is the `read(request)` entry point into the Read Engine (C4).
func (c *Cache) Read(req *request.Request, span history.Span, onComplete engine.Completion) error {
	return c.read.Read(req, span, onComplete)
}

// PassThrough is the `passthrough(request)` entry point into C5.
func (c *Cache) PassThrough(req *request.Request, onComplete engine.Completion) error {
	return c.pt.PassThrough(req, onComplete)
}

// TryLockLineRead is `try_lock_line_rd(line)`, exposed so external
// eviction can manage individual lines outside of a Request.
func (c *Cache) TryLockLineRead(line request.CacheLine) bool { return c.lines.TryRead(line) }

// TryLockLineWrite is `try_lock_line_wr(line)`.
func (c *Cache) TryLockLineWrite(line request.CacheLine) bool { return c.lines.TryWrite(line) }

// UnlockLineRead is `unlock_line_rd(line)`.
func (c *Cache) UnlockLineRead(line request.CacheLine) { c.lines.UnlockRead(line) }

// UnlockLineWrite is `unlock_line_wr(line)`.
func (c *Cache) UnlockLineWrite(line request.CacheLine) { c.lines.UnlockWrite(line) }

// UnlockRequest is `unlock_request(request)`, for a caller that has
// taken temporary ownership of a request's locks (e.g. to hand them to
// an eviction assignment) and now wants to release them through the
// core rather than by calling the line-level primitives directly.
func (c *Cache) UnlockRequest(req *request.Request) { c.coord.ReleaseAll(req) }

// WaitersOnLine is `waiters_on_line(line)`.
func (c *Cache) WaitersOnLine(line request.CacheLine) bool { return !c.lines.WaitersEmpty(line) }

// TotalSuspended is `total_suspended()`.
func (c *Cache) TotalSuspended() uint32 { return uint32(c.lines.TotalWaiters()) }

// HistoryCount exposes the admission history's current entry count,
// for telemetry alongside TotalSuspended; not named in spec.md §6 but
// harmless diagnostic surface over an already-internal counter.
func (c *Cache) HistoryCount() int { return c.hist.Count() }

// NumLines returns the cache-line count the table was built with.
func (c *Cache) NumLines() int { return c.lines.NumLines() }
