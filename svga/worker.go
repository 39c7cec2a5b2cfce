// SPDX-License-Identifier: Unlicense OR MIT

package svga

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
)

type State uint32

const (
	StateIdle State = iota
	StateExternal
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExternal:
		return "external"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// ExtCmd is a request from the host side of the device.
type ExtCmd int

const (
	ExtReset ExtCmd = iota + 1
	ExtPowerOff
	ExtSave
	ExtLoad

	// extDefineGMR carries a legacy RegGMRDescriptor write.
	extDefineGMR
)

var (
	ErrNoPersister = errors.New("svga: no persister")
	ErrBadExtCmd   = errors.New("svga: invalid external command")
)

type extRequest struct {
	cmd    ExtCmd
	handle uint32
	ppn    uint32
	done   chan error
}

type worker struct {
	// wake is kicked by register writes and submissions.
	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	mu      sync.Mutex
	running bool
	ext     []*extRequest

	pending     atomicbitops.Int32
	quitting    atomicbitops.Bool
	suspended   atomicbitops.Bool
	poweredOff  atomicbitops.Bool
	modePending atomicbitops.Bool
	state       atomicbitops.Uint32

	startOnce sync.Once
	quitOnce  sync.Once
}

func (w *worker) init() {
	w.wake = make(chan struct{}, 1)
	w.quit = make(chan struct{})
	w.done = make(chan struct{})
}

func (w *worker) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) extPending() bool {
	return w.pending.Load() > 0
}

func (w *worker) stopping() bool {
	return w.quitting.Load()
}

// stop makes the worker exit and waits for it.
func (w *worker) stop() {
	w.quitOnce.Do(func() {
		w.quitting.Store(true)
		close(w.quit)
	})
	w.mu.Lock()
	started := w.running
	w.mu.Unlock()
	if started {
		<-w.done
	}
	w.state.Store(uint32(StateStopped))
}

// Start runs the worker goroutine. Without it, external commands run on
// the caller and queued work is only processed by Drain.
func (d *Device) Start() {
	w := &d.worker
	w.startOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.stopping() {
			return
		}
		w.running = true
		go d.run()
	})
}

// State returns the worker's current state.
func (d *Device) State() State {
	return State(d.worker.state.Load())
}

// Suspend stops command processing after the current command. External
// commands still run.
func (d *Device) Suspend() {
	d.worker.suspended.Store(true)
	d.worker.kick()
	d.work.Lock()
	d.work.Unlock()
}

func (d *Device) Resume() {
	d.worker.suspended.Store(false)
	d.worker.kick()
}

// Drain processes queued command buffers and FIFO commands on the
// calling goroutine. It reports whether any work was done.
func (d *Device) Drain() bool {
	return d.drain()
}

// External runs an external command and waits for it to complete.
func (d *Device) External(cmd ExtCmd) error {
	switch cmd {
	case ExtReset, ExtPowerOff, ExtSave, ExtLoad:
	default:
		return fmt.Errorf("%d: %w", cmd, ErrBadExtCmd)
	}
	return d.postExt(&extRequest{cmd: cmd})
}

// postExt hands req to the worker and waits for the result. If the
// worker is not running, req runs on the caller.
func (d *Device) postExt(req *extRequest) error {
	w := &d.worker
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		d.work.Lock()
		defer d.work.Unlock()
		return d.runExt(req)
	}
	req.done = make(chan error, 1)
	w.ext = append(w.ext, req)
	w.pending.Add(1)
	w.mu.Unlock()
	w.kick()
	return <-req.done
}

func (d *Device) run() {
	w := &d.worker
	defer close(w.done)
	log.Debugf("svga: worker started")
	sleep := d.cfg.MinSleep
	for !w.stopping() {
		d.runPendingExt()
		active := false
		switch {
		case w.poweredOff.Load():
			d.finishSync(d.syncGen())
		case !w.suspended.Load():
			active = d.drain()
		}
		if w.stopping() {
			break
		}
		if w.extPending() {
			continue
		}
		w.state.Store(uint32(StateIdle))
		sleep = d.nextSleep(sleep, active)
		t := time.NewTimer(sleep)
		select {
		case <-w.wake:
			d.stats.Wakeups.Add(1)
		case <-t.C:
		case <-w.quit:
		}
		t.Stop()
	}
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	// Requests posted before running was cleared still wait for us.
	d.runPendingExt()
	log.Debugf("svga: worker stopped")
}

// nextSleep returns the idle timeout following cur.
func (d *Device) nextSleep(cur time.Duration, active bool) time.Duration {
	switch {
	case active:
		return d.cfg.MinSleep
	case cur >= d.cfg.MaxSleep:
		return d.cfg.ExtendedSleep
	default:
		return min(2*cur, d.cfg.MaxSleep)
	}
}

func (d *Device) runPendingExt() {
	w := &d.worker
	for {
		w.mu.Lock()
		if len(w.ext) == 0 {
			w.mu.Unlock()
			return
		}
		req := w.ext[0]
		w.ext[0] = nil
		w.ext = w.ext[1:]
		w.mu.Unlock()

		w.state.Store(uint32(StateExternal))
		d.stats.ExtCommands.Add(1)
		d.work.Lock()
		err := d.runExt(req)
		d.work.Unlock()
		w.pending.Add(-1)
		req.done <- err
	}
}

// runExt executes req. The caller holds the work lock.
func (d *Device) runExt(req *extRequest) error {
	switch req.cmd {
	case ExtReset:
		d.reset()
		d.worker.poweredOff.Store(false)
		return nil
	case ExtPowerOff:
		d.worker.poweredOff.Store(true)
		d.dropCBs()
		d.setBusy(false)
		return nil
	case ExtSave:
		if d.persister == nil {
			return ErrNoPersister
		}
		return d.persister.Save(d.save())
	case ExtLoad:
		if d.persister == nil {
			return ErrNoPersister
		}
		s, err := d.persister.Load()
		if err != nil {
			return err
		}
		return d.restore(s)
	case extDefineGMR:
		return d.regions.Define(req.handle, req.ppn)
	default:
		return fmt.Errorf("%d: %w", req.cmd, ErrBadExtCmd)
	}
}

// drain alternates command buffer scans and FIFO passes until neither
// makes progress or an external command is waiting.
func (d *Device) drain() bool {
	w := &d.worker
	d.work.Lock()
	defer d.work.Unlock()
	w.state.Store(uint32(StateDraining))
	d.applyMode()
	active := false
	for !w.extPending() && !w.stopping() && !w.suspended.Load() {
		gen := d.syncGen()
		n := d.processCommandBuffers()
		progressed := d.processFIFO()
		if n > 0 || progressed {
			active = true
			continue
		}
		if d.finishSync(gen) {
			break
		}
	}
	return active
}

// requestSync marks the device busy until a drain started after it
// finds no work.
func (d *Device) requestSync() {
	d.syncReq.mu.Lock()
	d.syncReq.gen++
	d.setBusy(true)
	d.syncReq.mu.Unlock()
	d.worker.kick()
}

func (d *Device) syncGen() uint64 {
	d.syncReq.mu.Lock()
	defer d.syncReq.mu.Unlock()
	return d.syncReq.gen
}

// finishSync clears busy unless a SYNC arrived after gen was read.
func (d *Device) finishSync(gen uint64) bool {
	d.syncReq.mu.Lock()
	defer d.syncReq.mu.Unlock()
	if d.syncReq.gen != gen {
		return false
	}
	if d.busy.Load() {
		d.setBusy(false)
	}
	return true
}
