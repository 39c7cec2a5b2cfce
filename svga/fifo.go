// SPDX-License-Identifier: Unlicense OR MIT

package svga

import (
	"errors"
	"fmt"
	"time"

	"gvisor.dev/gvisor/pkg/log"
)

const (
	minFIFOWait = time.Millisecond
	maxFIFOWait = 16 * time.Millisecond
)

var (
	ErrBadRing = errors.New("svga: invalid FIFO bounds")

	// errAborted stops a FIFO pass early without consuming the current
	// command.
	errAborted = errors.New("svga: FIFO pass aborted")
)

// ringView is the command area [min, max) of the FIFO memory. Offsets
// are byte offsets from the start of the FIFO memory.
type ringView struct {
	mem      []byte
	min, max uint32
}

func (r ringView) size() uint32 {
	return r.max - r.min
}

// distance returns the number of bytes from offset from forward to
// offset to.
func (r ringView) distance(from, to uint32) uint32 {
	if to >= from {
		return to - from
	}
	return r.size() - (from - to)
}

// advance returns the offset n bytes after off. n must not exceed the
// ring size.
func (r ringView) advance(off, n uint32) uint32 {
	off += n
	if off >= r.max {
		off -= r.size()
	}
	return off
}

// copyOut fills p with ring bytes starting at off, wrapping from max
// back to min.
func (r ringView) copyOut(p []byte, off uint32) {
	n := copy(p, r.mem[off:r.max])
	if n < len(p) {
		copy(p[n:], r.mem[r.min:r.min+uint32(len(p)-n)])
	}
}

func (r ringView) contains(off uint32) bool {
	return off%4 == 0 && off >= r.min && off < r.max
}

// fifoRegValid reports whether the guest's FIFO layout includes register
// word reg.
func (d *Device) fifoRegValid(reg int) bool {
	lo := d.fifoReg.Load(_SVGA_FIFO_MIN)
	return reg < d.fifoReg.Len() && uint64(reg+1)*4 <= uint64(lo)
}

func (d *Device) fifoEnabled() bool {
	d.regs.mu.Lock()
	defer d.regs.mu.Unlock()
	return d.regs.r.Enable != 0 && d.regs.r.ConfigDone != 0
}

// ring validates the guest's ring bounds.
func (d *Device) ring() (ringView, uint32, error) {
	lo := d.fifoReg.Load(_SVGA_FIFO_MIN)
	hi := d.fifoReg.Load(_SVGA_FIFO_MAX)
	stop := d.fifoReg.Load(_SVGA_FIFO_STOP)
	r := ringView{mem: d.fifoMem.Bytes(), min: lo, max: hi}
	switch {
	case lo%4 != 0 || hi%4 != 0,
		lo < 4*(_SVGA_FIFO_STOP+1),
		hi > d.cfg.FIFOSize,
		hi <= lo,
		!r.contains(stop):
		return ringView{}, 0, fmt.Errorf("min %#x max %#x stop %#x: %w", lo, hi, stop, ErrBadRing)
	}
	return r, stop, nil
}

// fifoSource reads a command from the ring, waiting for the guest when
// the command is not completely written yet. Every ring byte is copied
// into scratch once.
type fifoSource struct {
	d       *Device
	ring    ringView
	stop    uint32
	scratch []byte
	have    uint32
	wait    time.Duration
}

func (s *fifoSource) fetch(n int) ([]byte, error) {
	if n < 0 || uint64(n) >= uint64(s.ring.size()) {
		return nil, fmt.Errorf("%d byte command in %d byte FIFO: %w", n, s.ring.size(), ErrCommandTooLarge)
	}
	want := uint32(n)
	for {
		next := s.d.fifoReg.Load(_SVGA_FIFO_NEXT_CMD)
		if !s.ring.contains(next) {
			return nil, fmt.Errorf("next %#x: %w", next, ErrBadRing)
		}
		if s.ring.distance(s.stop, next) >= want {
			break
		}
		if err := s.waitForGuest(); err != nil {
			return nil, err
		}
	}
	if want > s.have {
		s.ring.copyOut(s.scratch[s.have:want], s.ring.advance(s.stop, s.have))
		s.have = want
	}
	return s.scratch[:n], nil
}

// waitForGuest waits for the guest to advance NEXT_CMD, backing off
// exponentially.
func (s *fifoSource) waitForGuest() error {
	d := s.d
	w := &d.worker
	if w.extPending() || w.stopping() || w.suspended.Load() || !d.fifoEnabled() {
		return errAborted
	}
	d.stats.FIFOWaits.Add(1)
	if s.wait == 0 {
		s.wait = minFIFOWait
	}
	t := time.NewTimer(s.wait)
	defer t.Stop()
	select {
	case <-w.wake:
	case <-t.C:
	case <-w.quit:
		return errAborted
	}
	s.wait = min(2*s.wait, maxFIFOWait)
	return nil
}

// processFIFO executes the commands between STOP and NEXT_CMD. It
// reports whether STOP advanced.
func (d *Device) processFIFO() bool {
	if d.fifo.bad.Load() || d.fifo.halted.Load() || !d.fifoEnabled() {
		return false
	}
	d.stats.FIFOPasses.Add(1)
	ring, stop, err := d.ring()
	if err != nil {
		d.badRing(err)
		return false
	}
	if uint32(len(d.fifo.scratch)) < ring.size() {
		d.fifo.scratch = make([]byte, ring.size())
	}
	progressed := false
	for {
		next := d.fifoReg.Load(_SVGA_FIFO_NEXT_CMD)
		if next == stop {
			break
		}
		if !ring.contains(next) {
			d.badRing(fmt.Errorf("next %#x: %w", next, ErrBadRing))
			break
		}
		if d.worker.extPending() || d.worker.stopping() || d.worker.suspended.Load() {
			break
		}
		d.markBusy()
		src := &fifoSource{d: d, ring: ring, stop: stop, scratch: d.fifo.scratch}
		cmd, n, err := decode(src, d.cfg.Enable3D)
		if errors.Is(err, errAborted) {
			break
		}
		if errors.Is(err, ErrBadRing) {
			d.badRing(err)
			break
		}
		if err != nil {
			d.fifo.halted.Store(true)
			d.stats.MalformedCommands.Add(1)
			d.warn.Warningf("svga: FIFO halted at %#x: %v", stop, err)
			d.raiseIRQ(IRQError)
			break
		}
		if err := d.execute(cmd, FIFOContext); err != nil {
			d.warn.Warningf("svga: FIFO command %d at %#x: %v", cmd.Opcode(), stop, err)
			d.raiseIRQ(IRQError)
		}
		stop = ring.advance(stop, uint32(n))
		d.fifoReg.Store(_SVGA_FIFO_STOP, stop)
		progressed = true
	}
	if progressed {
		d.raiseIRQ(IRQFIFOProgress)
	}
	return progressed
}

func (d *Device) badRing(err error) {
	if d.fifo.bad.Swap(true) {
		return
	}
	d.stats.FIFOBadBounds.Add(1)
	log.Warningf("svga: FIFO disabled until reset: %v", err)
	d.raiseIRQ(IRQError)
}
