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
	"sync"
	"testing"

	"github.com/blockcache/core/cerrors"
	"github.com/blockcache/core/history"
	"github.com/blockcache/core/lockline"
	"github.com/blockcache/core/request"
)

// fakeMapper assigns Status/Line from a pre-seeded plan; it never
// needs repartitioning unless told to.
type fakeMapper struct {
	plan        []request.Entry
	repartition bool
	traverseErr error
	invalidated bool
	validSet    bool
}

func (m *fakeMapper) Traverse(req *request.Request) error {
	if m.traverseErr != nil {
		return m.traverseErr
	}
	copy(req.Entries, m.plan)
	return nil
}
func (m *fakeMapper) NeedsRepartition(req *request.Request) bool { return m.repartition }
func (m *fakeMapper) MovePartition(req *request.Request) error  { return nil }
func (m *fakeMapper) SetValidMap(req *request.Request) error    { m.validSet = true; return nil }
func (m *fakeMapper) Invalidate(req *request.Request) error     { m.invalidated = true; return nil }

type fakeCacheIO struct {
	fail bool

	wroteData []byte
}

func (c *fakeCacheIO) SubmitCacheReads(req *request.Request, offset, length int64, count int, onComplete func(error)) error {
	for i := 0; i < count; i++ {
		if c.fail {
			onComplete(cerrors.ErrCacheIO)
		} else {
			onComplete(nil)
		}
	}
	return nil
}

func (c *fakeCacheIO) SubmitCacheWrite(req *request.Request, data []byte, onComplete func(error)) error {
	c.wroteData = append([]byte(nil), data...)
	onComplete(nil)
	return nil
}

type fakeBackingIO struct {
	fail bool
}

// fillByte is the sentinel value fakeBackingIO writes into dst on a
// successful read, so tests can assert the backing data actually
// reaches the caller's destination and the cache backfill write.
const fillByte = 0x42

func (b *fakeBackingIO) Submit(req *request.Request, dst request.BufferHandle, onComplete func(error)) error {
	if b.fail {
		onComplete(cerrors.ErrBackingIO)
		return nil
	}
	if dst != nil {
		mem := dst.([]byte)
		for i := range mem {
			mem[i] = fillByte
		}
	}
	onComplete(nil)
	return nil
}

type fakeStats struct{ pct int }

func (s fakeStats) OccupancyPercent() int { return s.pct }

func newTestReadEngine(lines int) (*ReadEngine, *fakeMapper, *fakeCacheIO, *fakeBackingIO) {
	tbl := lockline.NewTable(lines)
	coord := lockline.NewCoordinator(tbl)
	h := history.New(history.Config{})
	mapper := &fakeMapper{}
	cio := &fakeCacheIO{}
	bio := &fakeBackingIO{}
	pt := &PassThroughEngine{
		Lines:     tbl,
		Coord:     coord,
		Mapper:    mapper,
		BackingIO: bio,
	}
	re := &ReadEngine{
		Lines:     tbl,
		Coord:     coord,
		History:   h,
		Mapper:    mapper,
		CacheIO:   cio,
		BackingIO: bio,
		Stats:     fakeStats{pct: 10},
		PT:        pt,
	}
	return re, mapper, cio, bio
}

func TestReadAllHitDispatchesCacheReads(t *testing.T) {
	re, mapper, _, _ := newTestReadEngine(4)
	mapper.plan = []request.Entry{
		{Line: 0, Status: request.StatusHit},
		{Line: 1, Status: request.StatusHit},
	}
	req := request.New(2, request.ModeRead, false)

	var mu sync.Mutex
	done := false
	var gotErr error
	err := re.Read(req, history.Span{Addr: 0, Size: 8192, BackingID: 1}, func(r *request.Request, err error) {
		mu.Lock()
		done = true
		gotErr = err
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !done {
		t.Fatal("completion never fired")
	}
	if gotErr != nil {
		t.Fatalf("unexpected completion error: %v", gotErr)
	}
	if req.RefCount() != 1 {
		t.Fatalf("expected refcount back to 1 (caller's own ref), got %d", req.RefCount())
	}
}

// TestReadMissAllocatesAndBackfills reproduces spec.md's S2 scenario
// end to end: a MISS backing read must land in the caller's Dest
// buffer and be enqueued as a cache backfill write, not merely flip a
// metadata bit, before SetValidMap fires (Testable Property #9:
// round-trip byte identity).
func TestReadMissAllocatesAndBackfills(t *testing.T) {
	re, mapper, cio, _ := newTestReadEngine(4)
	mapper.plan = []request.Entry{
		{Line: 2, Status: request.StatusMiss},
	}
	re.Buf = bufPool{}
	req := request.New(1, request.ModeRead, false)
	req.Dest = make([]byte, 4096)

	var gotErr error
	var wg sync.WaitGroup
	wg.Add(1)
	err := re.Read(req, history.Span{Addr: 8192, Size: 4096, BackingID: 1}, func(r *request.Request, err error) {
		gotErr = err
		wg.Done()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wg.Wait()
	if gotErr != nil {
		t.Fatalf("unexpected completion error: %v", gotErr)
	}
	if !mapper.validSet {
		t.Fatal("expected SetValidMap to be called on successful backfill")
	}
	for i, b := range req.Dest {
		if b != fillByte {
			t.Fatalf("Dest[%d] = %#x, expected backing data %#x to have been copied out", i, b, fillByte)
		}
	}
	if len(cio.wroteData) != len(req.Dest) {
		t.Fatalf("expected a cache backfill write of %d bytes, got %d", len(req.Dest), len(cio.wroteData))
	}
	for i, b := range cio.wroteData {
		if b != fillByte {
			t.Fatalf("backfill write byte %d = %#x, expected %#x", i, b, fillByte)
		}
	}
}

func TestReadBackingErrorIsTerminal(t *testing.T) {
	re, mapper, _, bio := newTestReadEngine(4)
	mapper.plan = []request.Entry{
		{Line: 2, Status: request.StatusMiss},
	}
	re.Buf = bufPool{}
	bio.fail = true
	req := request.New(1, request.ModeRead, false)

	var gotErr error
	var wg sync.WaitGroup
	wg.Add(1)
	re.Read(req, history.Span{Addr: 8192, Size: 4096, BackingID: 1}, func(r *request.Request, err error) {
		gotErr = err
		wg.Done()
	})
	wg.Wait()
	if gotErr != cerrors.ErrBackingIO {
		t.Fatalf("expected ErrBackingIO, got %v", gotErr)
	}
	if !mapper.invalidated {
		t.Fatal("expected metadata invalidation on terminal backing I/O error")
	}
}

func TestReadCacheErrorDemotesToPassThrough(t *testing.T) {
	re, mapper, cio, _ := newTestReadEngine(4)
	mapper.plan = []request.Entry{
		{Line: 0, Status: request.StatusHit},
	}
	cio.fail = true
	req := request.New(1, request.ModeRead, false)

	var gotErr error
	var wg sync.WaitGroup
	wg.Add(1)
	re.Read(req, history.Span{Addr: 0, Size: 4096, BackingID: 1}, func(r *request.Request, err error) {
		gotErr = err
		wg.Done()
	})
	wg.Wait()
	if gotErr != nil {
		t.Fatalf("pass-through fallback should succeed, got %v", gotErr)
	}
	if !req.ForcePT {
		t.Fatal("expected request to be marked ForcePT after demotion")
	}
	if req.RefCount() != 1 {
		t.Fatalf("expected refcount back to 1 (caller's own ref) after demotion, got %d", req.RefCount())
	}
}

func TestReadBlockedSignalForcesPassThrough(t *testing.T) {
	re, mapper, _, _ := newTestReadEngine(4)
	mapper.plan = []request.Entry{{Line: 0, Status: request.StatusHit}}
	re.BlockedSignal = 1
	req := request.New(1, request.ModeRead, false)

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	re.Read(req, history.Span{Addr: 0, Size: 4096, BackingID: 1}, func(r *request.Request, err error) {
		gotErr = err
		wg.Done()
	})
	wg.Wait()
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if !req.ForcePT {
		t.Fatal("BlockedSignal must force pass-through")
	}
}

// bufPool is a tiny in-package stand-in for buffer.Pool whose handles
// are plain []byte, which fakeBackingIO fills directly; keeping
// engine's tests self-contained here matches dcache_test.go's style of
// using local fakes rather than the real platform-specific buffer
// package.
type bufPool struct{}

func (bufPool) Alloc(pages int) (request.BufferHandle, error) { return make([]byte, pages*4096), nil }
func (bufPool) Mlock(h request.BufferHandle) error            { return nil }
func (bufPool) Copy(h request.BufferHandle, dst []byte) (int, error) {
	return copy(dst, h.([]byte)), nil
}
func (bufPool) Free(h request.BufferHandle) {}
