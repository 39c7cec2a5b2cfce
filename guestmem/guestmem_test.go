// SPDX-License-Identifier: Unlicense OR MIT

package guestmem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestMappingBounds(t *testing.T) {
	m, err := Map(0x10000, 3*PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	tests := []struct {
		name    string
		addr    uint64
		n       int
		wantErr bool
	}{
		{name: "first byte", addr: 0x10000, n: 1},
		{name: "whole mapping", addr: 0x10000, n: 3 * PageSize},
		{name: "last word", addr: 0x10000 + 3*PageSize - 4, n: 4},
		{name: "empty at end", addr: 0x10000 + 3*PageSize, n: 0},
		{name: "below base", addr: 0xfffc, n: 4, wantErr: true},
		{name: "straddles end", addr: 0x10000 + 3*PageSize - 2, n: 4, wantErr: true},
		{name: "past end", addr: 0x10000 + 3*PageSize, n: 1, wantErr: true},
		{name: "huge address", addr: ^uint64(0) - 1, n: 4, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, tt.n)
			err := m.ReadPhys(tt.addr, buf)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadPhys(%#x, %d) error = %v, wantErr %v", tt.addr, tt.n, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrOutOfRange) {
				t.Errorf("error %v is not ErrOutOfRange", err)
			}
			err = m.WritePhys(tt.addr, buf)
			if (err != nil) != tt.wantErr {
				t.Fatalf("WritePhys(%#x, %d) error = %v, wantErr %v", tt.addr, tt.n, err, tt.wantErr)
			}
		})
	}
}

func TestMappingReadWrite(t *testing.T) {
	m, err := Map(0, PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	want := []byte("guest bytes")
	if err := m.WritePhys(100, want); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(want))
	if err := m.ReadPhys(100, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read back %q, want %q", got, want)
	}
	if err := WriteUint32(m, 8, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	if v, err := ReadUint32(m, 8); err != nil || v != 0xdeadbeef {
		t.Errorf("ReadUint32 = %#x, %v; want 0xdeadbeef", v, err)
	}
	view, err := m.Slice(8, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(view, []byte{0xef, 0xbe, 0xad, 0xde}) {
		t.Errorf("Slice = % x, want little endian word", view)
	}
}

func TestWords(t *testing.T) {
	mem := make([]byte, 18)
	w := NewWords(mem)
	if w.Len() != 4 {
		t.Fatalf("Len = %d, want 4", w.Len())
	}
	w.Store(3, 0x01020304)
	if got := w.Load(3); got != 0x01020304 {
		t.Errorf("Load(3) = %#x", got)
	}
	if mem[12] != 0x04 {
		t.Errorf("word not stored little endian: % x", mem[12:16])
	}
	defer func() {
		if recover() == nil {
			t.Error("Load past end did not panic")
		}
	}()
	w.Load(4)
}

func TestSpace(t *testing.T) {
	ram, err := Map(0, 4*PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer ram.Close()
	vram, err := Map(0x100000, PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer vram.Close()
	s := NewSpace(ram, vram)

	if err := WriteUint32(s, 0x100010, 7); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(vram.Bytes()[0x10:]); got != 7 {
		t.Errorf("vram word = %d, want 7", got)
	}
	if err := WriteUint32(s, 0x10, 9); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(ram.Bytes()[0x10:]); got != 9 {
		t.Errorf("ram word = %d, want 9", got)
	}
	if err := s.ReadPhys(0xffffe, make([]byte, 4)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("straddling read error = %v", err)
	}
	if err := s.ReadPhys(0x200000, make([]byte, 4)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("read past ram error = %v", err)
	}
}
