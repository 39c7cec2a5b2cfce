// SPDX-License-Identifier: Unlicense OR MIT

// Package gmr implements the guest memory region table of an SVGA device.
// A region maps a guest chosen handle to a scatter/gather list of guest
// physical pages that commands reference by (handle, offset).
package gmr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"

	"eliasnaur.com/svga/guestmem"
)

const (
	DefaultMaxRegions = 8192
	DefaultMaxPages   = 0x100000

	// MaxDescriptorPages bounds the number of descriptor pages walked
	// when defining a region through a legacy descriptor chain.
	MaxDescriptorPages = 4096

	// FramebufferHandle refers to device memory (VRAM) instead of a
	// guest defined region.
	FramebufferHandle = 0xfffffffe

	descriptorSize     = 8
	descriptorsPerPage = guestmem.PageSize / descriptorSize

	// Some guests leave garbage in the upper bits of 64-bit page numbers.
	addrMask = 0x00000fffffffffff
)

var (
	ErrInvalidHandle = errors.New("gmr: invalid region handle")
	ErrTooLarge      = errors.New("gmr: region exceeds maximum page count")
	ErrChainTooLong  = errors.New("gmr: descriptor chain too long")
	ErrBadRemap      = errors.New("gmr: remap outside reserved pages")
	ErrNotDefined    = errors.New("gmr: region not defined")
	ErrOutOfBounds   = errors.New("gmr: access outside region")
)

// Descriptor is a run of physically contiguous guest pages.
type Descriptor struct {
	Addr  uint64
	Pages uint32
}

// Region is an immutable snapshot of a region's page list. Redefining a
// handle publishes a new Region; readers holding the old one are not
// affected.
type Region struct {
	Descs []Descriptor
	// Pages is the sum of Descs[i].Pages.
	Pages uint32
	// MaxPages is the size reserved by DEFINE_GMR2, or Pages for regions
	// defined through a descriptor chain.
	MaxPages uint32
}

// Size returns the size of the mapped pages in bytes.
func (r *Region) Size() uint64 {
	return uint64(r.Pages) << guestmem.PageShift
}

type Stats struct {
	Defines        atomicbitops.Uint64
	Frees          atomicbitops.Uint64
	Reserves       atomicbitops.Uint64
	Remaps         atomicbitops.Uint64
	InvalidHandles atomicbitops.Uint64
	BadChains      atomicbitops.Uint64
	BadRemaps      atomicbitops.Uint64
}

// Entry is a saved region.
type Entry struct {
	Handle uint32
	Region Region
}

// Table maps region handles to page lists. Lookups are lock free;
// mutations are serialized by the table.
type Table struct {
	mem      guestmem.Memory
	maxPages uint32

	mu      sync.Mutex
	regions []atomic.Pointer[Region]
	fb      atomic.Pointer[Region]

	stats Stats
}

// New returns a table of maxRegions handles whose regions are backed by
// mem and contain at most maxPages pages.
func New(mem guestmem.Memory, maxRegions, maxPages uint32) *Table {
	return &Table{
		mem:      mem,
		maxPages: maxPages,
		regions:  make([]atomic.Pointer[Region], maxRegions),
	}
}

// Len returns the number of handles.
func (t *Table) Len() uint32 {
	return uint32(len(t.regions))
}

func (t *Table) MaxPages() uint32 {
	return t.maxPages
}

func (t *Table) Stats() *Stats {
	return &t.stats
}

// SetFramebuffer makes FramebufferHandle resolve to size bytes of device
// memory at guest physical address addr.
func (t *Table) SetFramebuffer(addr, size uint64) {
	pages := uint32(size >> guestmem.PageShift)
	t.fb.Store(&Region{
		Descs:    []Descriptor{{Addr: addr, Pages: pages}},
		Pages:    pages,
		MaxPages: pages,
	})
}

func (t *Table) checkHandle(handle uint32) error {
	if handle >= t.Len() {
		t.stats.InvalidHandles.Add(1)
		return fmt.Errorf("region %#x: %w", handle, ErrInvalidHandle)
	}
	return nil
}

// Lookup returns the current region for handle, or nil.
func (t *Table) Lookup(handle uint32) *Region {
	if handle == FramebufferHandle {
		return t.fb.Load()
	}
	if handle >= t.Len() {
		return nil
	}
	return t.regions[handle].Load()
}

// Resolve returns the descriptors of handle in order, or nil if the
// handle is invalid or undefined. The result must not be modified.
func (t *Table) Resolve(handle uint32) []Descriptor {
	if r := t.Lookup(handle); r != nil {
		return r.Descs
	}
	return nil
}

// Define defines handle from the legacy descriptor chain starting at
// guest page ppn. A zero ppn, or a chain without pages, frees the handle.
// On error the handle is left freed.
func (t *Table) Define(handle, ppn uint32) error {
	if err := t.checkHandle(handle); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.free(handle)
	if ppn == 0 {
		return nil
	}
	descs, pages, err := t.walk(ppn)
	if err != nil {
		t.stats.BadChains.Add(1)
		return fmt.Errorf("define region %d: %w", handle, err)
	}
	if pages == 0 {
		return nil
	}
	t.stats.Defines.Add(1)
	t.regions[handle].Store(&Region{Descs: descs, Pages: pages, MaxPages: pages})
	log.Debugf("gmr: region %d defined: %d pages in %d descriptors", handle, pages, len(descs))
	return nil
}

// walk reads a descriptor chain. Descriptors are read sequentially; a
// {ppn, 0} descriptor continues the chain at page ppn and {0, 0} ends
// it.
func (t *Table) walk(ppn uint32) ([]Descriptor, uint32, error) {
	var (
		descs []Descriptor
		total uint64
		page  [guestmem.PageSize]byte
	)
	addr := uint64(ppn) << guestmem.PageShift
	for blocks := 0; blocks < MaxDescriptorPages; blocks++ {
		if err := t.mem.ReadPhys(addr, page[:]); err != nil {
			return nil, 0, err
		}
		next := addr + guestmem.PageSize
		for i := 0; i < descriptorsPerPage; i++ {
			d := page[i*descriptorSize:]
			dppn := binary.LittleEndian.Uint32(d)
			n := binary.LittleEndian.Uint32(d[4:])
			if n == 0 {
				if dppn == 0 {
					return descs, uint32(total), nil
				}
				next = uint64(dppn) << guestmem.PageShift
				break
			}
			total += uint64(n)
			if total > uint64(t.maxPages) {
				return nil, 0, ErrTooLarge
			}
			descs = append(descs, Descriptor{Addr: uint64(dppn) << guestmem.PageShift, Pages: n})
		}
		addr = next
	}
	return nil, 0, ErrChainTooLong
}

// Free releases handle. Freeing an undefined handle does nothing.
func (t *Table) Free(handle uint32) error {
	if err := t.checkHandle(handle); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.free(handle)
	return nil
}

func (t *Table) free(handle uint32) {
	if t.regions[handle].Swap(nil) != nil {
		t.stats.Frees.Add(1)
	}
}

// Reserve sets the maximum size of handle to numPages. Zero frees the
// handle. Shrinking below the mapped size drops the current mapping.
func (t *Table) Reserve(handle, numPages uint32) error {
	if err := t.checkHandle(handle); err != nil {
		return err
	}
	if numPages > t.maxPages {
		return fmt.Errorf("reserve region %d: %d pages: %w", handle, numPages, ErrTooLarge)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if numPages == 0 {
		t.free(handle)
		return nil
	}
	t.stats.Reserves.Add(1)
	r := &Region{MaxPages: numPages}
	if cur := t.regions[handle].Load(); cur != nil && cur.Pages <= numPages {
		r.Descs, r.Pages = cur.Descs, cur.Pages
	}
	t.regions[handle].Store(r)
	return nil
}

// Remap replaces the pages [offset, offset+len(ppns)) of handle with the
// guest page numbers ppns. The resulting page list is recompressed into
// contiguous runs.
func (t *Table) Remap(handle, offset uint32, ppns []uint64) error {
	if err := t.checkHandle(handle); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.regions[handle].Load()
	var limit uint32
	if cur != nil {
		limit = min(cur.MaxPages, t.maxPages)
	}
	end := uint64(offset) + uint64(len(ppns))
	if end > uint64(limit) || (offset != 0 && (cur == nil || len(cur.Descs) == 0)) {
		t.stats.BadRemaps.Add(1)
		return fmt.Errorf("remap region %d [%d,%d): %w", handle, offset, end, ErrBadRemap)
	}
	if len(ppns) == 0 {
		return nil
	}
	t.stats.Remaps.Add(1)
	total := max(uint64(cur.Pages), end)
	addrs := make([]uint64, total)
	i := 0
	for _, d := range cur.Descs {
		for j := uint32(0); j < d.Pages; j++ {
			addrs[i] = d.Addr + uint64(j)<<guestmem.PageShift
			i++
		}
	}
	for j, ppn := range ppns {
		addrs[int(offset)+j] = (ppn << guestmem.PageShift) & addrMask
	}
	t.regions[handle].Store(&Region{
		Descs:    compress(addrs),
		Pages:    uint32(total),
		MaxPages: cur.MaxPages,
	})
	return nil
}

// compress merges consecutive page addresses into descriptors.
func compress(addrs []uint64) []Descriptor {
	var descs []Descriptor
	for _, a := range addrs {
		if n := len(descs); n > 0 {
			last := &descs[n-1]
			if a == last.Addr+uint64(last.Pages)<<guestmem.PageShift {
				last.Pages++
				continue
			}
		}
		descs = append(descs, Descriptor{Addr: a, Pages: 1})
	}
	return slices.Clip(descs)
}

// ReadAt copies len(p) bytes at byte offset off of region handle into p.
func (t *Table) ReadAt(handle uint32, off uint64, p []byte) error {
	return t.transfer(handle, off, p, false)
}

// WriteAt copies p into region handle at byte offset off.
func (t *Table) WriteAt(handle uint32, off uint64, p []byte) error {
	return t.transfer(handle, off, p, true)
}

func (t *Table) transfer(handle uint32, off uint64, p []byte, write bool) error {
	r := t.Lookup(handle)
	if r == nil {
		return fmt.Errorf("region %#x: %w", handle, ErrNotDefined)
	}
	if off > r.Size() || uint64(len(p)) > r.Size()-off {
		return fmt.Errorf("region %#x [%#x,+%#x): %w", handle, off, len(p), ErrOutOfBounds)
	}
	for _, d := range r.Descs {
		if len(p) == 0 {
			break
		}
		n := uint64(d.Pages) << guestmem.PageShift
		if off >= n {
			off -= n
			continue
		}
		chunk := min(n-off, uint64(len(p)))
		var err error
		if write {
			err = t.mem.WritePhys(d.Addr+off, p[:chunk])
		} else {
			err = t.mem.ReadPhys(d.Addr+off, p[:chunk])
		}
		if err != nil {
			return fmt.Errorf("region %#x: %w", handle, err)
		}
		p = p[chunk:]
		off = 0
	}
	return nil
}

// Reset frees every region.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clear()
}

// Snapshot returns the defined regions in handle order.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var entries []Entry
	for i := range t.regions {
		r := t.regions[i].Load()
		if r == nil {
			continue
		}
		entries = append(entries, Entry{
			Handle: uint32(i),
			Region: Region{Descs: slices.Clone(r.Descs), Pages: r.Pages, MaxPages: r.MaxPages},
		})
	}
	return entries
}

// Restore replaces the table contents with entries. Entries are validated
// like guest input; on error the table is left empty.
func (t *Table) Restore(entries []Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clear()
	for _, e := range entries {
		if e.Handle >= t.Len() {
			t.clear()
			return fmt.Errorf("restore region %#x: %w", e.Handle, ErrInvalidHandle)
		}
		var pages uint64
		for _, d := range e.Region.Descs {
			pages += uint64(d.Pages)
		}
		if pages != uint64(e.Region.Pages) || pages > uint64(t.maxPages) || e.Region.MaxPages > t.maxPages {
			t.clear()
			return fmt.Errorf("restore region %d: %w", e.Handle, ErrTooLarge)
		}
		t.regions[e.Handle].Store(&Region{
			Descs:    slices.Clone(e.Region.Descs),
			Pages:    e.Region.Pages,
			MaxPages: e.Region.MaxPages,
		})
	}
	return nil
}

func (t *Table) clear() {
	for i := range t.regions {
		t.regions[i].Store(nil)
	}
}
