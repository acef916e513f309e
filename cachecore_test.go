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

package cachecore

import (
	"sync"
	"testing"

	"github.com/blockcache/core/history"
	"github.com/blockcache/core/request"
)

type fixedMapper struct {
	status request.Status
	line   request.CacheLine
}

func (m fixedMapper) Traverse(req *request.Request) error {
	for i := range req.Entries {
		req.Entries[i] = request.Entry{Line: m.line, Status: m.status}
	}
	return nil
}
func (fixedMapper) NeedsRepartition(req *request.Request) bool { return false }
func (fixedMapper) MovePartition(req *request.Request) error  { return nil }
func (fixedMapper) SetValidMap(req *request.Request) error    { return nil }
func (fixedMapper) Invalidate(req *request.Request) error     { return nil }

type okCacheIO struct{}

func (okCacheIO) SubmitCacheReads(req *request.Request, offset, length int64, count int, onComplete func(error)) error {
	for i := 0; i < count; i++ {
		onComplete(nil)
	}
	return nil
}

func (okCacheIO) SubmitCacheWrite(req *request.Request, data []byte, onComplete func(error)) error {
	onComplete(nil)
	return nil
}

type okBackingIO struct{}

func (okBackingIO) Submit(req *request.Request, dst request.BufferHandle, onComplete func(error)) error {
	if dst != nil {
		mem := dst.([]byte)
		for i := range mem {
			mem[i] = 0x7a
		}
	}
	onComplete(nil)
	return nil
}

type fixedStats struct{ pct int }

func (s fixedStats) OccupancyPercent() int { return s.pct }

type memBuffer struct{}

func (memBuffer) Alloc(pages int) (request.BufferHandle, error) { return make([]byte, pages*4096), nil }
func (memBuffer) Mlock(h request.BufferHandle) error            { return nil }
func (memBuffer) Copy(h request.BufferHandle, dst []byte) (int, error) {
	return copy(dst, h.([]byte)), nil
}
func (memBuffer) Free(h request.BufferHandle) {}

func TestInitRejectsMissingCollaborators(t *testing.T) {
	if _, err := Init(8, DefaultConfig(), Collaborators{}); err == nil {
		t.Fatal("expected an error with no collaborators wired")
	}
}

func TestInitRejectsNonPositiveLines(t *testing.T) {
	col := Collaborators{Mapper: fixedMapper{}, CacheIO: okCacheIO{}, BackingIO: okBackingIO{}, Stats: fixedStats{}, Buffer: memBuffer{}}
	if _, err := Init(0, DefaultConfig(), col); err == nil {
		t.Fatal("expected an error with num_lines=0")
	}
}

// TestEndToEndAllHitRead reproduces spec.md's S1-shaped scenario: a
// single-block HIT request round-trips through Read with no errors
// and leaves the cache in a fully unlocked state.
func TestEndToEndAllHitRead(t *testing.T) {
	col := Collaborators{
		Mapper:    fixedMapper{status: request.StatusHit, line: 3},
		CacheIO:   okCacheIO{},
		BackingIO: okBackingIO{},
		Stats:     fixedStats{pct: 10},
		Buffer:    memBuffer{},
	}
	c, err := Init(8, DefaultConfig(), col)
	if err != nil {
		t.Fatalf("init: %s", err)
	}
	defer Deinit(c)

	req := request.New(1, request.ModeRead, false)
	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	if err := c.Read(req, history.Span{Addr: 0, Size: 4096, BackingID: 1}, func(r *request.Request, err error) {
		gotErr = err
		wg.Done()
	}); err != nil {
		t.Fatalf("unexpected synchronous error: %s", err)
	}
	wg.Wait()
	if gotErr != nil {
		t.Fatalf("unexpected completion error: %s", gotErr)
	}
	if c.WaitersOnLine(3) {
		t.Fatal("line should have no waiters after completion")
	}
	if c.TryLockLineWrite(3) {
		c.UnlockLineWrite(3)
	} else {
		t.Fatal("line should be unlocked after the request completed")
	}
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	doc := []byte(`
full_threshold: 80
hit_ratio_threshold: 0.4
max_history_initial: 500
`)
	cfg, err := LoadConfig(doc)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if cfg.FullThreshold != 80 {
		t.Fatalf("expected full_threshold=80, got %d", cfg.FullThreshold)
	}
	if cfg.HitRatioThreshold != 0.4 {
		t.Fatalf("expected hit_ratio_threshold=0.4, got %f", cfg.HitRatioThreshold)
	}
	// unset fields fall back to spec.md defaults.
	if cfg.MaxHistoryMax != 100000 {
		t.Fatalf("expected default max_history_max=100000, got %d", cfg.MaxHistoryMax)
	}
}

func TestConfigRejectsOutOfRangeThresholds(t *testing.T) {
	if _, err := LoadConfig([]byte("full_threshold: 150\n")); err == nil {
		t.Fatal("expected an error for full_threshold out of [0,100]")
	}
	if _, err := LoadConfig([]byte("hit_ratio_threshold: 2.0\n")); err == nil {
		t.Fatal("expected an error for hit_ratio_threshold out of (0,1]")
	}
}
