// SPDX-License-Identifier: Unlicense OR MIT

package gmr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"golang.org/x/exp/slices"

	"eliasnaur.com/svga/guestmem"
)

const testPages = 0x100

func newTestTable(t *testing.T, maxPages uint32) (*Table, *guestmem.Mapping) {
	t.Helper()
	mem, err := guestmem.Map(0, testPages*guestmem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Close() })
	return New(mem, 16, maxPages), mem
}

// writeChain stores descriptors as {ppn, numPages} pairs at guest page ppn.
func writeChain(t *testing.T, mem *guestmem.Mapping, ppn uint32, descs ...[2]uint32) {
	t.Helper()
	buf := make([]byte, 0, len(descs)*descriptorSize)
	for _, d := range descs {
		buf = binary.LittleEndian.AppendUint32(buf, d[0])
		buf = binary.LittleEndian.AppendUint32(buf, d[1])
	}
	if err := mem.WritePhys(uint64(ppn)<<guestmem.PageShift, buf); err != nil {
		t.Fatal(err)
	}
}

func TestDefineAndRedefineEmpty(t *testing.T) {
	tab, mem := newTestTable(t, DefaultMaxPages)
	writeChain(t, mem, 5, [2]uint32{0x10, 2}, [2]uint32{0x40, 1}, [2]uint32{0, 0})
	if err := tab.Define(3, 5); err != nil {
		t.Fatal(err)
	}
	want := []Descriptor{{Addr: 0x10000, Pages: 2}, {Addr: 0x40000, Pages: 1}}
	if got := tab.Resolve(3); !slices.Equal(got, want) {
		t.Fatalf("Resolve(3) = %v, want %v", got, want)
	}
	if r := tab.Lookup(3); r.Pages != 3 || r.MaxPages != 3 {
		t.Errorf("region pages = %d/%d, want 3/3", r.Pages, r.MaxPages)
	}

	writeChain(t, mem, 6, [2]uint32{0, 0})
	if err := tab.Define(3, 6); err != nil {
		t.Fatal(err)
	}
	if got := tab.Resolve(3); got != nil {
		t.Errorf("Resolve(3) after empty chain = %v, want nil", got)
	}
	if got := tab.Stats().Frees.Load(); got != 1 {
		t.Errorf("frees = %d, want 1", got)
	}
}

func TestDefineIdempotent(t *testing.T) {
	tab, mem := newTestTable(t, DefaultMaxPages)
	writeChain(t, mem, 5, [2]uint32{0x10, 4}, [2]uint32{0, 0})
	for i := 0; i < 3; i++ {
		if err := tab.Define(1, 5); err != nil {
			t.Fatal(err)
		}
	}
	if got := tab.Resolve(1); len(got) != 1 || got[0].Pages != 4 {
		t.Errorf("Resolve(1) = %v", got)
	}
	for i := 0; i < 2; i++ {
		if err := tab.Free(1); err != nil {
			t.Fatal(err)
		}
		if err := tab.Define(1, 0); err != nil {
			t.Fatal(err)
		}
	}
	if got := tab.Resolve(1); got != nil {
		t.Errorf("Resolve(1) after free = %v", got)
	}
}

func TestDefineChain(t *testing.T) {
	tests := []struct {
		name     string
		maxPages uint32
		setup    func(t *testing.T, mem *guestmem.Mapping)
		ppn      uint32
		want     []Descriptor
		wantErr  error
	}{
		{
			name:     "continuation",
			maxPages: DefaultMaxPages,
			setup: func(t *testing.T, mem *guestmem.Mapping) {
				writeChain(t, mem, 5, [2]uint32{0x10, 1}, [2]uint32{7, 0})
				writeChain(t, mem, 7, [2]uint32{0x20, 2}, [2]uint32{0, 0})
			},
			ppn:  5,
			want: []Descriptor{{Addr: 0x10000, Pages: 1}, {Addr: 0x20000, Pages: 2}},
		},
		{
			name:     "self reference",
			maxPages: DefaultMaxPages,
			setup: func(t *testing.T, mem *guestmem.Mapping) {
				writeChain(t, mem, 5, [2]uint32{0x10, 1}, [2]uint32{5, 0})
			},
			ppn:     5,
			wantErr: ErrChainTooLong,
		},
		{
			name:     "over capacity",
			maxPages: 4,
			setup: func(t *testing.T, mem *guestmem.Mapping) {
				writeChain(t, mem, 5, [2]uint32{0x10, 3}, [2]uint32{0x20, 2}, [2]uint32{0, 0})
			},
			ppn:     5,
			wantErr: ErrTooLarge,
		},
		{
			name:     "unreadable descriptor page",
			maxPages: DefaultMaxPages,
			setup: func(t *testing.T, mem *guestmem.Mapping) {
				writeChain(t, mem, 5, [2]uint32{0x10, 1}, [2]uint32{0x10000, 0})
			},
			ppn:     5,
			wantErr: guestmem.ErrOutOfRange,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tab, mem := newTestTable(t, tt.maxPages)
			// A previous definition must not survive a failed one.
			writeChain(t, mem, 9, [2]uint32{0x30, 1}, [2]uint32{0, 0})
			if err := tab.Define(2, 9); err != nil {
				t.Fatal(err)
			}
			tt.setup(t, mem)
			err := tab.Define(2, tt.ppn)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Define error = %v, want %v", err, tt.wantErr)
				}
				if got := tab.Resolve(2); got != nil {
					t.Errorf("handle not freed after failure: %v", got)
				}
				if got := tab.Stats().BadChains.Load(); got != 1 {
					t.Errorf("bad chains = %d, want 1", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := tab.Resolve(2); !slices.Equal(got, tt.want) {
				t.Errorf("Resolve = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInvalidHandle(t *testing.T) {
	tab, _ := newTestTable(t, DefaultMaxPages)
	for _, err := range []error{
		tab.Define(16, 5),
		tab.Free(100),
		tab.Reserve(16, 1),
		tab.Remap(16, 0, []uint64{1}),
	} {
		if !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("error = %v, want ErrInvalidHandle", err)
		}
	}
	if got := tab.Stats().InvalidHandles.Load(); got != 4 {
		t.Errorf("invalid handles = %d, want 4", got)
	}
	if got := tab.Resolve(1 << 20); got != nil {
		t.Errorf("Resolve of invalid handle = %v", got)
	}
}

func TestReserveRemap(t *testing.T) {
	tab, _ := newTestTable(t, DefaultMaxPages)
	if err := tab.Remap(1, 2, []uint64{0x10}); !errors.Is(err, ErrBadRemap) {
		t.Fatalf("remap of unreserved region: %v", err)
	}
	if err := tab.Reserve(1, 4); err != nil {
		t.Fatal(err)
	}
	if err := tab.Remap(1, 1, []uint64{0x10}); !errors.Is(err, ErrBadRemap) {
		t.Fatalf("remap at offset without mapping: %v", err)
	}
	if err := tab.Remap(1, 0, []uint64{0x10, 0x11, 0x20, 0x21}); err != nil {
		t.Fatal(err)
	}
	want := []Descriptor{{Addr: 0x10000, Pages: 2}, {Addr: 0x20000, Pages: 2}}
	if got := tab.Resolve(1); !slices.Equal(got, want) {
		t.Fatalf("Resolve = %v, want %v", got, want)
	}
	if err := tab.Remap(1, 2, []uint64{0x12}); err != nil {
		t.Fatal(err)
	}
	want = []Descriptor{{Addr: 0x10000, Pages: 3}, {Addr: 0x21000, Pages: 1}}
	if got := tab.Resolve(1); !slices.Equal(got, want) {
		t.Fatalf("Resolve after partial remap = %v, want %v", got, want)
	}
	if err := tab.Remap(1, 3, []uint64{0x50, 0x51}); !errors.Is(err, ErrBadRemap) {
		t.Fatalf("remap past reservation: %v", err)
	}
	// Upper bits of 64-bit page numbers are ignored.
	if err := tab.Remap(1, 3, []uint64{0xfff0_0000_0000_0013}); err != nil {
		t.Fatal(err)
	}
	want = []Descriptor{{Addr: 0x10000, Pages: 4}}
	if got := tab.Resolve(1); !slices.Equal(got, want) {
		t.Fatalf("Resolve after masked remap = %v, want %v", got, want)
	}

	// Growing keeps the mapping, shrinking drops it.
	if err := tab.Reserve(1, 8); err != nil {
		t.Fatal(err)
	}
	if r := tab.Lookup(1); r.Pages != 4 || r.MaxPages != 8 {
		t.Errorf("after grow: pages %d max %d", r.Pages, r.MaxPages)
	}
	if err := tab.Reserve(1, 2); err != nil {
		t.Fatal(err)
	}
	if r := tab.Lookup(1); r.Pages != 0 || r.MaxPages != 2 || r.Descs != nil {
		t.Errorf("after shrink: %+v", r)
	}
	if err := tab.Reserve(1, 0); err != nil {
		t.Fatal(err)
	}
	if r := tab.Lookup(1); r != nil {
		t.Errorf("after zero reserve: %+v", r)
	}
	if err := tab.Reserve(1, DefaultMaxPages+1); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversized reserve: %v", err)
	}
}

func TestRegionImmutable(t *testing.T) {
	tab, _ := newTestTable(t, DefaultMaxPages)
	if err := tab.Reserve(1, 2); err != nil {
		t.Fatal(err)
	}
	if err := tab.Remap(1, 0, []uint64{0x10, 0x11}); err != nil {
		t.Fatal(err)
	}
	old := tab.Lookup(1)
	if err := tab.Remap(1, 1, []uint64{0x30}); err != nil {
		t.Fatal(err)
	}
	if want := []Descriptor{{Addr: 0x10000, Pages: 2}}; !slices.Equal(old.Descs, want) {
		t.Errorf("published region changed to %v", old.Descs)
	}
}

func TestTransfer(t *testing.T) {
	tab, mem := newTestTable(t, DefaultMaxPages)
	if err := tab.Reserve(1, 2); err != nil {
		t.Fatal(err)
	}
	if err := tab.Remap(1, 0, []uint64{0x20, 0x10}); err != nil {
		t.Fatal(err)
	}
	data := []byte("crossing pages")
	off := uint64(guestmem.PageSize - 4)
	if err := tab.WriteAt(1, off, data); err != nil {
		t.Fatal(err)
	}
	head := make([]byte, 4)
	tail := make([]byte, len(data)-4)
	if err := mem.ReadPhys(0x21000-4, head); err != nil {
		t.Fatal(err)
	}
	if err := mem.ReadPhys(0x10000, tail); err != nil {
		t.Fatal(err)
	}
	if got := append(head, tail...); !bytes.Equal(got, data) {
		t.Errorf("guest memory holds %q, want %q", got, data)
	}
	got := make([]byte, len(data))
	if err := tab.ReadAt(1, off, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("ReadAt = %q, want %q", got, data)
	}

	tests := []struct {
		name   string
		handle uint32
		off    uint64
		n      int
		want   error
	}{
		{"past end", 1, 2*guestmem.PageSize - 2, 4, ErrOutOfBounds},
		{"offset past end", 1, 3 * guestmem.PageSize, 0, ErrOutOfBounds},
		{"undefined", 2, 0, 1, ErrNotDefined},
		{"framebuffer unset", FramebufferHandle, 0, 1, ErrNotDefined},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tab.ReadAt(tt.handle, tt.off, make([]byte, tt.n)); !errors.Is(err, tt.want) {
				t.Errorf("ReadAt error = %v, want %v", err, tt.want)
			}
		})
	}

	tab.SetFramebuffer(0x80000, 2*guestmem.PageSize)
	if err := tab.WriteAt(FramebufferHandle, 8, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if b, _ := mem.Slice(0x80008, 3); !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Errorf("framebuffer write landed elsewhere: % x", b)
	}
}

func TestSnapshotRestore(t *testing.T) {
	tab, mem := newTestTable(t, DefaultMaxPages)
	writeChain(t, mem, 5, [2]uint32{0x10, 2}, [2]uint32{0, 0})
	if err := tab.Define(3, 5); err != nil {
		t.Fatal(err)
	}
	if err := tab.Reserve(7, 9); err != nil {
		t.Fatal(err)
	}
	saved := tab.Snapshot()
	if len(saved) != 2 || saved[0].Handle != 3 || saved[1].Handle != 7 {
		t.Fatalf("Snapshot = %+v", saved)
	}
	tab.Reset()
	if tab.Lookup(3) != nil || tab.Lookup(7) != nil {
		t.Fatal("Reset left regions defined")
	}
	if err := tab.Restore(saved); err != nil {
		t.Fatal(err)
	}
	if got := tab.Resolve(3); !slices.Equal(got, []Descriptor{{Addr: 0x10000, Pages: 2}}) {
		t.Errorf("restored region 3 = %v", got)
	}
	if r := tab.Lookup(7); r == nil || r.MaxPages != 9 {
		t.Errorf("restored region 7 = %+v", r)
	}

	bad := append(saved, Entry{Handle: 99})
	if err := tab.Restore(bad); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("Restore with bad handle: %v", err)
	}
	if tab.Lookup(3) != nil {
		t.Error("failed Restore left regions defined")
	}
	bad = []Entry{{Handle: 1, Region: Region{Descs: []Descriptor{{Addr: 0, Pages: 2}}, Pages: 1}}}
	if err := tab.Restore(bad); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Restore with inconsistent pages: %v", err)
	}
}
