// Package arena implements bump-allocated memory regions with bulk
// reset and bulk destroy semantics.
//
// An Arena never frees individual allocations: callers reset() the
// whole region at a well-defined point in their lifetime (end of a
// reactor iteration, end of a plugin callback, ...) and every pointer
// handed out before that point becomes invalid. This mirrors the
// bump-allocator-plus-page-freelist design of the original ucollect
// mem_pool, generalized from C pointers to Go byte slices.
package arena

import (
	"fmt"
	"sync"
)

// pageSize is the size of a normal page. Allocations larger than this
// get their own oversize page instead of splitting across pages.
const pageSize = 4096

// alignment allocations are rounded up to, matching pointer size on the
// target architectures this agent runs on (ARM/MIPS routers, amd64 dev
// boxes).
const alignment = 8

type page struct {
	buf    []byte
	offset int
	next   *page
}

// Arena is a named, bump-allocated memory region. The zero value is not
// usable; construct one with Create.
type Arena struct {
	name     string
	mu       sync.Mutex
	pages    *page // most-recently-used page first
	oversize []*page
	allocs   uint64
	bytes    uint64
}

// globalFreelist holds single pages released by Reset/Destroy so the
// next Arena to need one can reuse it instead of allocating fresh,
// avoiding allocator churn under sustained packet load.
var globalFreelist struct {
	mu    sync.Mutex
	pages []*page
}

func takeFreePage() *page {
	globalFreelist.mu.Lock()
	defer globalFreelist.mu.Unlock()
	n := len(globalFreelist.pages)
	if n == 0 {
		return nil
	}
	p := globalFreelist.pages[n-1]
	globalFreelist.pages = globalFreelist.pages[:n-1]
	return p
}

// maxFreelist bounds how many spare pages we hoard process-wide.
const maxFreelist = 64

func putFreePage(p *page) {
	globalFreelist.mu.Lock()
	defer globalFreelist.mu.Unlock()
	if len(globalFreelist.pages) >= maxFreelist {
		return
	}
	p.offset = 0
	p.next = nil
	globalFreelist.pages = append(globalFreelist.pages, p)
}

func newPage(size int) *page {
	if p := takeFreePage(); p != nil && size <= pageSize {
		return p
	}
	return &page{buf: make([]byte, size)}
}

// registry backs the mem_pool_stats diagnostic.
var registry struct {
	mu     sync.Mutex
	arenas map[*Arena]struct{}
}

func init() {
	registry.arenas = make(map[*Arena]struct{})
}

func register(a *Arena) {
	registry.mu.Lock()
	registry.arenas[a] = struct{}{}
	registry.mu.Unlock()
}

func unregister(a *Arena) {
	registry.mu.Lock()
	delete(registry.arenas, a)
	registry.mu.Unlock()
}

// Create returns a new, empty, named Arena and registers it with the
// process-wide live-arena registry used by Stats.
func Create(name string) *Arena {
	a := &Arena{name: name}
	register(a)
	return a
}

// Name returns the arena's name, for observability only.
func (a *Arena) Name() string { return a.name }

// Alloc returns size bytes of zeroed, arena-owned memory. It never
// fails: an allocation larger than a page gets its own oversize page,
// and Go's runtime allocator is the only thing that can exhaust memory
// (at which point the process aborts, matching the contract that arena
// allocation itself cannot report failure).
func (a *Arena) Alloc(size int) []byte {
	if size < 0 {
		panic("arena: negative allocation size")
	}
	if size == 0 {
		return nil
	}
	aligned := (size + alignment - 1) &^ (alignment - 1)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocs++
	a.bytes += uint64(size)

	if aligned > pageSize {
		p := &page{buf: make([]byte, aligned)}
		a.oversize = append(a.oversize, p)
		return p.buf[:size]
	}

	if a.pages == nil || a.pages.offset+aligned > len(a.pages.buf) {
		p := newPage(pageSize)
		p.next = a.pages
		a.pages = p
	}
	p := a.pages
	start := p.offset
	p.offset += aligned
	b := p.buf[start : start+size : start+aligned]
	clear(b)
	return b
}

// Strdup copies s into the arena and returns it as a fresh string-typed
// byte slice; the arena, not the caller's original string, owns the
// backing bytes that survive until Reset.
func (a *Arena) Strdup(s string) string {
	b := a.Alloc(len(s))
	copy(b, s)
	return string(b)
}

// Printf formats into arena-owned memory, mirroring the original
// mem_pool's printf helper used for building short labels without a
// heap allocation per call.
func (a *Arena) Printf(format string, args ...interface{}) string {
	return a.Strdup(fmt.Sprintf(format, args...))
}

// hexDigits is shared by Hex to avoid per-call allocation of the table.
const hexDigits = "0123456789abcdef"

// Hex renders b as a lowercase hex string allocated from the arena.
func (a *Arena) Hex(b []byte) string {
	out := a.Alloc(len(b) * 2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}

// Reset invalidates every allocation made since the arena was created
// or last reset. Pages are kept (not returned to the freelist) so a
// hot arena that allocates the same shape every iteration does not
// thrash the freelist; oversize pages, which are one-shot by nature,
// are released.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := a.pages; p != nil; p = p.next {
		p.offset = 0
	}
	a.oversize = nil
	a.allocs = 0
	a.bytes = 0
}

// Destroy releases all backing storage. Normal pages are returned to
// the process-wide freelist; the Arena must not be used afterward.
func (a *Arena) Destroy() {
	a.mu.Lock()
	p := a.pages
	a.pages = nil
	a.oversize = nil
	a.mu.Unlock()

	for p != nil {
		next := p.next
		putFreePage(p)
		p = next
	}
	unregister(a)
}

// Stat is a point-in-time snapshot of one arena's memory usage, as
// reported by the mem_pool_stats diagnostic.
type Stat struct {
	Name          string `cbor:"name"`
	Pages         int    `cbor:"pages"`
	OversizePages int    `cbor:"oversize_pages"`
	Allocs        uint64 `cbor:"allocs"`
	Bytes         uint64 `cbor:"bytes"`
}

// Stats returns a snapshot of every live arena, powering the
// mem_pool_stats diagnostic.
func Stats() []Stat {
	registry.mu.Lock()
	arenas := make([]*Arena, 0, len(registry.arenas))
	for a := range registry.arenas {
		arenas = append(arenas, a)
	}
	registry.mu.Unlock()

	out := make([]Stat, 0, len(arenas))
	for _, a := range arenas {
		a.mu.Lock()
		pages := 0
		for p := a.pages; p != nil; p = p.next {
			pages++
		}
		out = append(out, Stat{
			Name:          a.name,
			Pages:         pages,
			OversizePages: len(a.oversize),
			Allocs:        a.allocs,
			Bytes:         a.bytes,
		})
		a.mu.Unlock()
	}
	return out
}
