// SPDX-License-Identifier: Unlicense OR MIT

package svga

import "gvisor.dev/gvisor/pkg/atomicbitops"

// Stats are device counters. They may be read at any time.
type Stats struct {
	// Commands counts executed commands by opcode; 3D commands are
	// counted together.
	Commands   [OpMax]atomicbitops.Uint64
	Commands3D atomicbitops.Uint64

	FIFOPasses        atomicbitops.Uint64
	FIFOWaits         atomicbitops.Uint64
	FIFOBadBounds     atomicbitops.Uint64
	MalformedCommands atomicbitops.Uint64
	RendererErrors    atomicbitops.Uint64
	Fences            atomicbitops.Uint64

	CBSubmitted    atomicbitops.Uint64
	CBCompleted    atomicbitops.Uint64
	CBCommandError atomicbitops.Uint64
	CBHeaderErrors atomicbitops.Uint64
	CBQueueFull    atomicbitops.Uint64
	CBPreempted    atomicbitops.Uint64
	CBDeviceCmds   atomicbitops.Uint64

	UnknownRegReads  atomicbitops.Uint64
	UnknownRegWrites atomicbitops.Uint64
	BusyRetries      atomicbitops.Uint64
	BusyTimeouts     atomicbitops.Uint64

	IRQsRaised  atomicbitops.Uint64
	ExtCommands atomicbitops.Uint64
	Wakeups     atomicbitops.Uint64
}

func (s *Stats) countCommand(op Opcode) {
	if op < OpMax {
		s.Commands[op].Add(1)
	} else {
		s.Commands3D.Add(1)
	}
}
