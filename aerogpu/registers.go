// Package aerogpu implements the paravirtual GPU MMIO device: a BAR0
// register file, a guest-resident submission ring, a fence page, vblank
// scheduling, scanout/cursor state with torn-update protection, and a
// submission bridge for out-of-process command execution.
package aerogpu

// BAR0 register offsets. All registers are naturally-aligned 32-bit words;
// 1/2/4/8-byte accesses are synthesized in device.go from this grid.
const (
	RegMagic       = 0x00
	RegABIVersion  = 0x04
	RegFeaturesLo  = 0x08
	RegFeaturesHi  = 0x0c
	RegRingBaseLo  = 0x10
	RegRingBaseHi  = 0x14
	RegRingSize    = 0x18
	RegRingControl = 0x1c

	RegFencePageBaseLo = 0x20
	RegFencePageBaseHi = 0x24
	RegCompletedFenceLo = 0x28 // read-only
	RegCompletedFenceHi = 0x2c // read-only

	RegIRQStatus = 0x30
	RegIRQEnable = 0x34
	RegIRQAck    = 0x38 // write-1-to-clear

	RegErrorCode    = 0x3c
	RegErrorFenceLo = 0x40
	RegErrorFenceHi = 0x44
	RegErrorCount   = 0x48

	RegDoorbell = 0x4c // write-only

	RegScanout0Enable        = 0x50
	RegScanout0Width         = 0x54
	RegScanout0Height        = 0x58
	RegScanout0Format        = 0x5c
	RegScanout0Pitch         = 0x60
	RegScanout0FBGpaLo       = 0x64
	RegScanout0FBGpaHi       = 0x68
	RegScanout0VblankSeqLo   = 0x6c // read-only
	RegScanout0VblankSeqHi   = 0x70 // read-only
	RegScanout0VblankTimeLo  = 0x74 // read-only
	RegScanout0VblankTimeHi  = 0x78 // read-only
	RegScanout0VblankPeriod  = 0x7c

	RegCursorEnable  = 0x80
	RegCursorX       = 0x84
	RegCursorY       = 0x88
	RegCursorHotX    = 0x8c
	RegCursorHotY    = 0x90
	RegCursorWidth   = 0x94
	RegCursorHeight  = 0x98
	RegCursorFormat  = 0x9c
	RegCursorFBGpaLo = 0xa0
	RegCursorFBGpaHi = 0xa4
	RegCursorPitch   = 0xa8

	MsixTableOffset = 0x1000
	MsixPBAOffset   = 0x1800
	MsixNumVectors  = 1
)

// Feature bits (FEATURES_LO).
const (
	FeatureFencePage        uint32 = 1 << 0
	FeatureVblank           uint32 = 1 << 1
	FeatureSubmissionBridge uint32 = 1 << 2
)

// IRQ status/enable bits.
const (
	IRQFence         uint32 = 1 << 0
	IRQScanoutVblank uint32 = 1 << 1
	IRQError         uint32 = 1 << 2
)

// RING_CONTROL bits.
const (
	RingControlEnable uint32 = 1 << 0
	RingControlReset  uint32 = 1 << 1
)

// ErrorCode is the sticky error payload's code field.
type ErrorCode uint32

const (
	ErrorNone      ErrorCode = 0
	ErrorCmdDecode ErrorCode = 1
	ErrorOob       ErrorCode = 2
	ErrorBackend   ErrorCode = 3
	ErrorInternal  ErrorCode = 4
)

// Scanout/cursor pixel formats.
type PixelFormat uint32

const (
	FormatB8G8R8A8 PixelFormat = 0
	FormatB8G8R8X8 PixelFormat = 1
	FormatR8G8B8A8 PixelFormat = 2
	FormatR8G8B8X8 PixelFormat = 3
	FormatB5G6R5   PixelFormat = 4
	FormatB5G5R5A1 PixelFormat = 5
)

// BytesPerPixel reports the pixel stride for a supported format, or 0 for
// an unrecognized one.
func BytesPerPixel(f PixelFormat) uint32 {
	switch f {
	case FormatB8G8R8A8, FormatB8G8R8X8, FormatR8G8B8A8, FormatR8G8B8X8:
		return 4
	case FormatB5G6R5, FormatB5G5R5A1:
		return 2
	default:
		return 0
	}
}

func formatSupported(f PixelFormat) bool { return BytesPerPixel(f) != 0 }

const (
	// DeviceMagic identifies this device to the guest driver.
	DeviceMagic uint32 = 0x41455247 // "AERG"
	// ABIVersion packs major (high 16) / minor (low 16); unknown major is
	// rejected, unknown minor is accepted (forward-compatible).
	abiMajor = 1
	abiMinor = 0

	ABIVersion uint32 = abiMajor<<16 | abiMinor
)
