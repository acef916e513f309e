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

// cachecore-demo drives a handful of synthetic read requests through
// a Cache wired to in-memory stand-ins for the mapper, cache/backing
// I/O, and buffer collaborators, and prints the resulting HIT/MISS/
// pass-through outcome for each. It exists to exercise the wiring end
// to end, not as a production harness.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"

	cachecore "github.com/blockcache/core"
	"github.com/blockcache/core/history"
	"github.com/blockcache/core/request"
)

func main() {
	numLines := flag.Int("lines", 64, "number of cache lines")
	requests := flag.Int("requests", 5, "number of synthetic read requests to issue")
	flag.Parse()

	c, err := cachecore.Init(*numLines, cachecore.DefaultConfig(), cachecore.Collaborators{
		Mapper:    newDemoMapper(*numLines),
		CacheIO:   demoCacheIO{},
		BackingIO: demoBackingIO{},
		Stats:     demoStats{},
		Buffer:    demoBuffer{},
		Logger:    stderrLogger{},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %s\n", err)
		os.Exit(1)
	}
	defer cachecore.Deinit(c)

	var wg sync.WaitGroup
	for i := 0; i < *requests; i++ {
		req := request.New(1, request.ModeRead, true)
		req.Dest = make([]byte, history.PageSize)
		span := history.Span{Addr: uint64(i) * history.PageSize, Size: history.PageSize, BackingID: 1}

		wg.Add(1)
		// Read's completion callback fires exactly once even when Read
		// itself returns a non-nil error, so wg.Done belongs only here.
		err := c.Read(req, span, func(r *request.Request, err error) {
			defer wg.Done()
			if err != nil {
				fmt.Printf("request %s: error: %s\n", r.ID, err)
				return
			}
			outcome := "HIT"
			if r.ForcePT {
				outcome = "PASS-THROUGH"
			} else if r.Entries[0].Status == request.StatusMiss {
				outcome = "MISS (backfilled)"
			}
			fmt.Printf("request %s: %s\n", r.ID, outcome)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "request %d: %s\n", i, err)
		}
	}
	wg.Wait()

	fmt.Printf("total_suspended=%d history_count=%d\n", c.TotalSuspended(), c.HistoryCount())
}

// demoMapper alternates HIT and MISS so the demo exercises both
// dispatch paths without any real metadata subsystem.
type demoMapper struct {
	numLines int
	mu       sync.Mutex
	calls    int
}

func newDemoMapper(numLines int) *demoMapper { return &demoMapper{numLines: numLines} }

func (m *demoMapper) Traverse(req *request.Request) error {
	m.mu.Lock()
	n := m.calls
	m.calls++
	m.mu.Unlock()
	status := request.StatusHit
	if n%2 == 1 {
		status = request.StatusMiss
	}
	req.Entries[0] = request.Entry{Line: request.CacheLine(n % m.numLines), Status: status}
	return nil
}
func (m *demoMapper) NeedsRepartition(req *request.Request) bool { return false }
func (m *demoMapper) MovePartition(req *request.Request) error  { return nil }
func (m *demoMapper) SetValidMap(req *request.Request) error    { return nil }
func (m *demoMapper) Invalidate(req *request.Request) error     { return nil }

type demoCacheIO struct{}

func (demoCacheIO) SubmitCacheReads(req *request.Request, offset, length int64, count int, onComplete func(error)) error {
	for i := 0; i < count; i++ {
		onComplete(nil)
	}
	return nil
}

func (demoCacheIO) SubmitCacheWrite(req *request.Request, data []byte, onComplete func(error)) error {
	onComplete(nil)
	return nil
}

type demoBackingIO struct{}

func (demoBackingIO) Submit(req *request.Request, dst request.BufferHandle, onComplete func(error)) error {
	if dst != nil {
		mem := dst.([]byte)
		for i := range mem {
			mem[i] = 0xcd
		}
	}
	onComplete(nil)
	return nil
}

type demoStats struct{}

func (demoStats) OccupancyPercent() int { return 10 }

type demoBuffer struct{}

func (demoBuffer) Alloc(pages int) (request.BufferHandle, error) {
	return make([]byte, pages*history.PageSize), nil
}
func (demoBuffer) Mlock(h request.BufferHandle) error { return nil }
func (demoBuffer) Copy(h request.BufferHandle, dst []byte) (int, error) {
	return copy(dst, h.([]byte)), nil
}
func (demoBuffer) Free(h request.BufferHandle) {}

type stderrLogger struct{}

func (stderrLogger) Printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
