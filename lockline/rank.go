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

import "github.com/blockcache/core/request"

// lineLoad pairs a cache line with its current waiter-queue depth.
type lineLoad struct {
	line  request.CacheLine
	depth int
}

// BusiestLines returns up to k lines with the deepest waiter queues,
// most contended first. It is a diagnostic only — contention can
// change between the read of one slot and the next, so the result is
// a snapshot, not a linearizable view across the whole table.
//
// Ranking is done with a bounded min-heap over the k busiest lines
// seen so far, the same generic slice-heap approach as the teacher's
// eviction-candidate heap, sized to k instead of retained in full.
func (t *Table) BusiestLines(k int) []request.CacheLine {
	if k <= 0 {
		return nil
	}
	less := func(a, b lineLoad) bool { return a.depth < b.depth }

	var top []lineLoad
	for i, s := range t.slots {
		s.lock()
		depth := len(s.waiters)
		s.unlock()
		if depth == 0 {
			continue
		}
		cand := lineLoad{line: request.CacheLine(i), depth: depth}
		if len(top) < k {
			pushSlice(&top, cand, less)
			continue
		}
		if less(top[0], cand) {
			popSlice(&top, less)
			pushSlice(&top, cand, less)
		}
	}

	out := make([]request.CacheLine, 0, len(top))
	for len(top) > 0 {
		out = append(out, popSlice(&top, less).line)
	}
	// popSlice drains smallest-first; reverse so the busiest line leads.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// pushSlice, popSlice, and their sift helpers are a generic min-heap
// over a plain slice, adapted from the teacher's heap package
// (heap.PushSlice/PopSlice) for BusiestLines' bounded top-k ranking.
func pushSlice[T any](x *[]T, item T, less func(a, b T) bool) {
	*x = append(*x, item)
	siftUp(*x, len(*x)-1, less)
}

func popSlice[T any](x *[]T, less func(a, b T) bool) T {
	ret := (*x)[0]
	(*x)[0], *x = (*x)[len(*x)-1], (*x)[:len(*x)-1]
	if len(*x) > 0 {
		siftDown(*x, 0, less)
	}
	return ret
}

func siftUp[T any](x []T, index int, less func(a, b T) bool) {
	for index > 0 {
		p := (index - 1) / 2
		if less(x[p], x[index]) {
			break
		}
		x[p], x[index] = x[index], x[p]
		index = p
	}
}

func siftDown[T any](x []T, index int, less func(a, b T) bool) {
	for {
		left := index*2 + 1
		right := left + 1
		if left >= len(x) {
			break
		}
		c := left
		if len(x) > right && less(x[right], x[left]) {
			c = right
		}
		if less(x[index], x[c]) {
			break
		}
		x[c], x[index] = x[index], x[c]
		index = c
	}
}
