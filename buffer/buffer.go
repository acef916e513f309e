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

// Package buffer implements the request.Buffer collaborator: the
// private copy buffers the read engine allocates on a MISS dispatch,
// sized in pages, optionally pinned against swap.
//
// Platform-specific pinning is split the same way dcache splits its
// mmap/munmap implementation across file_linux.go/file_other.go: a
// real mlock on Linux, a documented no-op everywhere else.
package buffer

import (
	"fmt"

	"github.com/blockcache/core/request"
)

const pageSize = 4096

// Pool is the default in-memory implementation of request.Buffer. It
// hands out plain byte slices; mlock pinning is delegated to the
// platform-specific mlock function.
type Pool struct{}

// New returns a Pool ready for use.
func New() *Pool { return &Pool{} }

type handle struct {
	mem []byte
}

// Alloc allocates a buffer sized for the given number of pages.
func (p *Pool) Alloc(pages int) (request.BufferHandle, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("buffer: invalid page count %d", pages)
	}
	return &handle{mem: make([]byte, pages*pageSize)}, nil
}

// Mlock pins h's backing memory so it cannot be swapped out while a
// backing-device read is in flight.
func (p *Pool) Mlock(h request.BufferHandle) error {
	hd, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("buffer: not a pool handle")
	}
	return mlock(hd.mem)
}

// Copy copies h's contents into dst, returning the number of bytes
// copied.
func (p *Pool) Copy(h request.BufferHandle, dst []byte) (int, error) {
	hd, ok := h.(*handle)
	if !ok {
		return 0, fmt.Errorf("buffer: not a pool handle")
	}
	return copy(dst, hd.mem), nil
}

// Bytes exposes the handle's backing slice directly, for the read
// engine to read the backing-device I/O result into before copying
// out to the caller's buffer.
func Bytes(h request.BufferHandle) []byte {
	hd, ok := h.(*handle)
	if !ok {
		return nil
	}
	return hd.mem
}

// Free releases h. The in-memory pool relies on the garbage collector;
// Free exists so the request.Buffer contract is uniform across
// implementations that do own external resources (e.g. a hugepage or
// mmap-backed pool).
func (p *Pool) Free(h request.BufferHandle) {}
