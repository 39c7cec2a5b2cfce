// SPDX-License-Identifier: Unlicense OR MIT

package svga

// Outcome tells the caller of a port access how it completed.
type Outcome int

const (
	// OK means Value holds the result.
	OK Outcome = iota
	// Retry means the access must be issued again later, from a context
	// that may block.
	Retry
	// WouldBlock means a blocking access timed out; Value holds the
	// register's current value.
	WouldBlock
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Retry:
		return "retry"
	case WouldBlock:
		return "would block"
	default:
		return "unknown"
	}
}

// Result is the result of a port access.
type Result struct {
	Value   uint32
	Outcome Outcome
}

// Access describes whether the caller may block.
type Access int

const (
	AccessNonBlocking Access = iota
	AccessBlocking
)

func ok(v uint32) Result {
	return Result{Value: v}
}

// ReadPort reads the I/O port at offset port from the device's I/O base.
// Registers are read through the index/value pair: the guest writes a
// register index to PortIndex and then accesses PortValue.
func (d *Device) ReadPort(port uint32, access Access) Result {
	switch port {
	case PortIndex:
		return ok(d.index.Load())
	case PortValue:
		return d.readReg(d.index.Load(), access)
	case PortIRQStatus:
		d.irq.mu.Lock()
		defer d.irq.mu.Unlock()
		return ok(d.irq.pending)
	case PortBIOS:
		return ok(0)
	default:
		d.stats.UnknownRegReads.Add(1)
		return ok(0)
	}
}

// WritePort writes v to the I/O port at offset port.
func (d *Device) WritePort(port, v uint32) Result {
	switch port {
	case PortIndex:
		d.index.Store(v)
	case PortValue:
		d.writeReg(d.index.Load(), v)
	case PortIRQStatus:
		d.ackIRQ(v)
	case PortBIOS:
	default:
		d.stats.UnknownRegWrites.Add(1)
	}
	return ok(0)
}

// ReadReg is a convenience for selecting and reading a register.
func (d *Device) ReadReg(reg uint32, access Access) Result {
	d.WritePort(PortIndex, reg)
	return d.ReadPort(PortValue, access)
}

// WriteReg is a convenience for selecting and writing a register.
func (d *Device) WriteReg(reg, v uint32) {
	d.WritePort(PortIndex, reg)
	d.WritePort(PortValue, v)
}
