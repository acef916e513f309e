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

package engine

import (
	"errors"

	"github.com/blockcache/core/cerrors"
	"github.com/blockcache/core/lockline"
	"github.com/blockcache/core/request"
)

// DirtyChecker reports whether a request touches dirty cache lines
// that must be cleaned before it is safe to bypass the cache.
type DirtyChecker func(req *request.Request) bool

// Cleaner triggers asynchronous cleaning of req's dirty lines. The
// core does not wait on it: the external scheduler is expected to
// resubmit the request once cleaning finishes.
type Cleaner func(req *request.Request)

// PassThroughEngine drives C5: requests that bypass the cache
// entirely and read straight from the backing device. It takes the
// same fast-try discipline as the read engine but never queues a
// waiter — a line it cannot lock immediately is left for the external
// scheduler to retry later, so C5 never blocks waiting on a line held
// by a concurrent cache fill.
type PassThroughEngine struct {
	Lines     *lockline.Table
	Coord     *lockline.Coordinator
	Mapper    request.Mapper
	BackingIO request.BackingIO
	Logger    request.Logger

	IsDirty DirtyChecker
	Clean   Cleaner
}

func (p *PassThroughEngine) logf(f string, args ...interface{}) {
	if p.Logger != nil {
		p.Logger.Printf(f, args...)
	}
}

// PassThrough is the entry point into C5, reachable either directly
// (the spec's passthrough(request) operation) or via a read engine's
// FORCE_PT hand-off. It takes its own reference on req and releases it
// at every terminal path, including the parked-for-retry path.
func (p *PassThroughEngine) PassThrough(req *request.Request, onComplete Completion) error {
	req.Retain()

	if p.IsDirty != nil && p.IsDirty(req) {
		if p.Clean != nil {
			p.Clean(req)
		}
		// parked: the scheduler resubmits once cleaning finishes.
		req.Release()
		return nil
	}

	if p.Mapper.NeedsRepartition(req) {
		if err := p.Mapper.MovePartition(req); err != nil {
			p.logf("passthrough %s: move_partition: %s", req.ID, err)
		}
	}

	if err := p.Coord.TryAll(req, request.ModeReadMappedOnly); err != nil {
		if errors.Is(err, cerrors.ErrNotAcquired) {
			// parked: fast-try only, never queues behind a cache fill.
			req.Release()
			return nil
		}
		req.Release()
		onComplete(req, err)
		return err
	}

	req.InitIO(1, func(ioErr error) {
		p.Coord.ReleaseAll(req)
		if ioErr != nil {
			onComplete(req, cerrors.ErrBackingIO)
		} else {
			onComplete(req, nil)
		}
		req.Release()
	})

	if err := p.BackingIO.Submit(req, nil, func(ioErr error) { req.CompleteIO(ioErr) }); err != nil {
		p.Coord.ReleaseAll(req)
		onComplete(req, cerrors.ErrBackingIO)
		req.Release()
		return cerrors.ErrBackingIO
	}
	return nil
}
