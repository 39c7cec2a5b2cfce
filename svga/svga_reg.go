// SPDX-License-Identifier: Unlicense OR MIT

package svga

// Register indices, accessed through the index/value port pair.
const (
	RegID                         = 0
	RegEnable                     = 1
	RegWidth                      = 2
	RegHeight                     = 3
	RegMaxWidth                   = 4
	RegMaxHeight                  = 5
	RegDepth                      = 6
	RegBitsPerPixel               = 7
	RegPseudoColor                = 8
	RegRedMask                    = 9
	RegGreenMask                  = 10
	RegBlueMask                   = 11
	RegBytesPerLine               = 12
	RegFBStart                    = 13
	RegFBOffset                   = 14
	RegVRAMSize                   = 15
	RegFBSize                     = 16
	RegCapabilities               = 17
	RegMemStart                   = 18
	RegMemSize                    = 19
	RegConfigDone                 = 20
	RegSync                       = 21
	RegBusy                       = 22
	RegGuestID                    = 23
	RegCursorID                   = 24
	RegCursorX                    = 25
	RegCursorY                    = 26
	RegCursorOn                   = 27
	RegHostBitsPerPixel           = 28
	RegScratchSize                = 29
	RegMemRegs                    = 30
	RegNumDisplays                = 31
	RegPitchlock                  = 32
	RegIRQMask                    = 33
	RegNumGuestDisplays           = 34
	RegDisplayID                  = 35
	RegDisplayIsPrimary           = 36
	RegDisplayPositionX           = 37
	RegDisplayPositionY           = 38
	RegDisplayWidth               = 39
	RegDisplayHeight              = 40
	RegGMRID                      = 41
	RegGMRDescriptor              = 42
	RegGMRMaxIDs                  = 43
	RegGMRMaxDescriptorLength     = 44
	RegTraces                     = 45
	RegGMRsMaxPages               = 46
	RegMemorySize                 = 47
	RegCommandLow                 = 48
	RegCommandHigh                = 49
	RegMaxPrimaryBoundingBoxMem   = 50
	RegSuggestedGBObjectMemSizeKB = 51
	RegDevCap                     = 52
	RegCmdPrependLow              = 53
	RegCmdPrependHigh             = 54
	RegScreenTargetMaxWidth       = 55
	RegScreenTargetMaxHeight      = 56
	RegMOBMaxSize                 = 57
	RegBlankScreenTargets         = 58
	RegCap2                       = 59
	RegTop                        = 60

	// Scratch registers follow the last defined register.
	RegScratchBase = RegTop
)

// I/O port offsets from the device's I/O base.
const (
	PortIndex     = 0
	PortValue     = 1
	PortBIOS      = 2
	PortIRQStatus = 8
)

const (
	_SVGA_ID_0 = 0x90000000
	_SVGA_ID_1 = 0x90000001
	_SVGA_ID_2 = 0x90000002
)

// Interrupt flags, reported through the IRQ status port and masked by
// RegIRQMask.
const (
	IRQAnyFence      = 0x1
	IRQFIFOProgress  = 0x2
	IRQFenceGoal     = 0x4
	IRQCommandBuffer = 0x8
	IRQError         = 0x10
)

// Device capabilities reported in RegCapabilities.
const (
	CapRectCopy       = 1 << 1
	CapCursor         = 1 << 5
	CapCursorBypass   = 1 << 6
	CapCursorBypass2  = 1 << 7
	Cap8BitEmulation  = 1 << 8
	CapAlphaCursor    = 1 << 9
	Cap3D             = 1 << 14
	CapExtendedFIFO   = 1 << 15
	CapMultimon       = 1 << 16
	CapPitchlock      = 1 << 17
	CapIRQMask        = 1 << 18
	CapDisplayTopo    = 1 << 19
	CapGMR            = 1 << 20
	CapTraces         = 1 << 21
	CapGMR2           = 1 << 22
	CapScreenObject2  = 1 << 23
	CapCommandBuffers = 1 << 24
	CapCmdBuffers2    = 1 << 26
	CapCap2Register   = 1 << 31
)

// FIFO register words at the start of the FIFO memory.
const (
	_SVGA_FIFO_MIN                  = 0
	_SVGA_FIFO_MAX                  = 1
	_SVGA_FIFO_NEXT_CMD             = 2
	_SVGA_FIFO_STOP                 = 3
	_SVGA_FIFO_CAPABILITIES         = 4
	_SVGA_FIFO_FLAGS                = 5
	_SVGA_FIFO_FENCE                = 6
	_SVGA_FIFO_3D_HWVERSION         = 7
	_SVGA_FIFO_PITCHLOCK            = 8
	_SVGA_FIFO_CURSOR_ON            = 9
	_SVGA_FIFO_CURSOR_X             = 10
	_SVGA_FIFO_CURSOR_Y             = 11
	_SVGA_FIFO_CURSOR_COUNT         = 12
	_SVGA_FIFO_CURSOR_LAST_UPDATED  = 13
	_SVGA_FIFO_RESERVED             = 14
	_SVGA_FIFO_CURSOR_SCREEN_ID     = 15
	_SVGA_FIFO_DEAD                 = 16
	_SVGA_FIFO_3D_HWVERSION_REVISED = 17
	_SVGA_FIFO_3D_CAPS              = 32
	_SVGA_FIFO_3D_CAPS_LAST         = 32 + 255
	_SVGA_FIFO_GUEST_3D_HWVERSION   = 288
	_SVGA_FIFO_FENCE_GOAL           = 289
	_SVGA_FIFO_BUSY                 = 290
	_SVGA_FIFO_NUM_REGS             = 291
)

// FIFO capabilities published in FIFO[_SVGA_FIFO_CAPABILITIES].
const (
	FIFOCapFence         = 1 << 0
	FIFOCapAccelFront    = 1 << 1
	FIFOCapPitchlock     = 1 << 2
	FIFOCapVideo         = 1 << 3
	FIFOCapCursorBypass3 = 1 << 4
	FIFOCapEscape        = 1 << 5
	FIFOCapReserve       = 1 << 6
	FIFOCapScreenObject  = 1 << 7
	FIFOCapGMR2          = 1 << 8
	FIFOCapScreenObject2 = 1 << 9
	FIFOCapDead          = 1 << 10
)

const (
	// _SVGA3D_HWVERSION_CURRENT is hardware version 2.1.
	_SVGA3D_HWVERSION_CURRENT = 2<<16 | 1

	// Largest variable payload accepted in a single 2D command.
	_SVGA_CMD_MAX_DATASIZE = 256 * 1024

	_SVGA_PALETTE_BASE = 1024
)

// Remap flags of SVGA_CMD_REMAP_GMR2.
const (
	_SVGA_REMAP_GMR2_PPN32      = 0
	_SVGA_REMAP_GMR2_VIA_GMR    = 1 << 0
	_SVGA_REMAP_GMR2_PPN64      = 1 << 1
	_SVGA_REMAP_GMR2_SINGLE_PPN = 1 << 2
)
