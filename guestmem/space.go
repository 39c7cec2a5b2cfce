// SPDX-License-Identifier: Unlicense OR MIT

package guestmem

import "fmt"

// Space routes guest physical accesses to device mappings, such as VRAM
// and the FIFO, falling back to guest RAM for every other address. An
// access must fall entirely within one mapping or entirely outside all of
// them.
type Space struct {
	ram  Memory
	maps []*Mapping
}

func NewSpace(ram Memory, maps ...*Mapping) *Space {
	return &Space{ram: ram, maps: maps}
}

func (s *Space) route(addr uint64, n int) (Memory, error) {
	end := addr + uint64(n)
	for _, m := range s.maps {
		mend := m.Base + m.Size()
		if addr >= m.Base && end <= mend {
			return m, nil
		}
		if addr < mend && end > m.Base {
			return nil, fmt.Errorf("access %#x+%#x straddles mapping at %#x: %w", addr, n, m.Base, ErrOutOfRange)
		}
	}
	if s.ram == nil {
		return nil, fmt.Errorf("access %#x+%#x: %w", addr, n, ErrOutOfRange)
	}
	return s.ram, nil
}

func (s *Space) ReadPhys(addr uint64, p []byte) error {
	m, err := s.route(addr, len(p))
	if err != nil {
		return err
	}
	return m.ReadPhys(addr, p)
}

func (s *Space) WritePhys(addr uint64, p []byte) error {
	m, err := s.route(addr, len(p))
	if err != nil {
		return err
	}
	return m.WritePhys(addr, p)
}
