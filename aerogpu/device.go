// Package aerogpu implements the paravirtual GPU MMIO device: a BAR0
// register file, a guest-resident submission ring, a fence page, vblank
// scheduling, scanout/cursor state with torn-update protection, and a
// submission bridge for out-of-process command execution.
package aerogpu

import (
	"github.com/sirupsen/logrus"
	"github.com/wilsonzlin/aerovm/membus"
	"github.com/wilsonzlin/aerovm/pci"
)

var log = logrus.WithField("component", "aerogpu")

// Clock is the optional shared time source Device.tickVblank consults. A
// Device with no Clock installed relies entirely on the nowNS argument
// passed into Process by the host.
type Clock interface {
	NowNS() uint64
}

// Device is a single AeroGPU instance: the register file, ring/fence/
// scanout/cursor state, and the submission bridge queue. It holds no
// reference to guest memory between ticks; every method that touches
// guest RAM takes a membus.Bus parameter for the duration of the call.
type Device struct {
	cmd   pci.CommandRegister
	clock Clock
	nowNS uint64

	featuresLo uint32
	featuresHi uint32

	ringGPA     uint64
	ringSize    uint32
	ringControl uint32

	fencePageGPA uint64

	irqStatus uint32
	irqEnable uint32

	errorCode  ErrorCode
	errorFence uint64
	errorCount uint32

	completedFence uint64

	doorbellPending    bool
	ringResetPending   bool
	ringResetPendingDMA bool
	fencePageDirty     bool
	scanout0Dirty      bool
	cursorDirty        bool

	wddmScanoutActive bool

	scanout0Enable       uint32
	scanout0Width        uint32
	scanout0Height       uint32
	scanout0Format       uint32
	scanout0Pitch        uint32
	scanout0FBGpa        tornLatch
	scanout0VblankSeq    uint64
	scanout0VblankTimeNS uint64
	scanout0VblankPeriod uint32
	nextVblankDeadline   *uint64

	cursorEnable uint32
	cursorX      uint32
	cursorY      uint32
	cursorHotX   uint32
	cursorHotY   uint32
	cursorWidth  uint32
	cursorHeight uint32
	cursorFormat uint32
	cursorPitch  uint32
	cursorFBGpa  tornLatch

	pendingFences        []pendingFence
	externallyCompleted  map[uint64]bool
	deferredCompletions  []uint64
	pendingSubmissions   []pendingSubmission
	pendingSubmissionBytes int
	submissionByteCap    int
	backend              Backend
}

// New constructs a Device with no backend installed (pure bridge mode) and
// no clock (the host must drive vblank timing via Process's nowNS
// parameter).
func New() *Device {
	return &Device{
		externallyCompleted: make(map[uint64]bool),
		submissionByteCap:   defaultMaxPendingSubmissionBytes,
	}
}

// SetClock installs a shared time source; nil reverts to host-driven time.
func (d *Device) SetClock(c Clock) { d.clock = c }

// SetBackend installs an in-process command executor; nil reverts to
// submission-bridge-only operation.
func (d *Device) SetBackend(b Backend) { d.backend = b }

// SetSubmissionByteCap narrows the bridge queue's total-payload bound
// below the production 128 MiB default; primarily a test seam for
// exercising the oldest-dropped-first eviction policy without allocating
// the full cap's worth of payload.
func (d *Device) SetSubmissionByteCap(n int) { d.submissionByteCap = n }

// SetCommand latches the guest's COMMAND register, mirroring
// nvme.PciDevice's convention of the owning PCI wrapper pushing it in
// ahead of every tick rather than the device reading config space itself.
func (d *Device) SetCommand(cmd pci.CommandRegister) { d.cmd = cmd }

func (d *Device) recordError(code ErrorCode, fence uint64) {
	d.errorCode = code
	d.errorFence = fence
	d.errorCount++
	d.irqStatus |= IRQError

	log.WithField("code", code).WithField("fence", fence).Warn("aerogpu device error")
}

// Reset restores PCI-reset semantics: every register and the WDDM sticky
// latch are cleared, matching §3.2's "survives ENABLE=0 until a PCI
// reset". The installed Clock and Backend are preserved, since those are
// host collaborators wired in at construction, not guest-visible state.
func (d *Device) Reset() {
	*d = Device{
		cmd:                 d.cmd,
		clock:               d.clock,
		backend:             d.backend,
		submissionByteCap:   d.submissionByteCap,
		externallyCompleted: make(map[uint64]bool),
	}
}

// --- register file -------------------------------------------------------

func (d *Device) readDword(offset uint64) uint32 {
	switch offset {
	case RegMagic:
		return DeviceMagic
	case RegABIVersion:
		return ABIVersion
	case RegFeaturesLo:
		return d.featuresLo
	case RegFeaturesHi:
		return d.featuresHi
	case RegRingBaseLo:
		return uint32(d.ringGPA)
	case RegRingBaseHi:
		return uint32(d.ringGPA >> 32)
	case RegRingSize:
		return d.ringSize
	case RegRingControl:
		return d.ringControl
	case RegFencePageBaseLo:
		return uint32(d.fencePageGPA)
	case RegFencePageBaseHi:
		return uint32(d.fencePageGPA >> 32)
	case RegCompletedFenceLo:
		return uint32(d.completedFence)
	case RegCompletedFenceHi:
		return uint32(d.completedFence >> 32)
	case RegIRQStatus:
		return d.irqStatus
	case RegIRQEnable:
		return d.irqEnable
	case RegIRQAck:
		return 0
	case RegErrorCode:
		return uint32(d.errorCode)
	case RegErrorFenceLo:
		return uint32(d.errorFence)
	case RegErrorFenceHi:
		return uint32(d.errorFence >> 32)
	case RegErrorCount:
		return d.errorCount
	case RegScanout0Enable:
		return d.scanout0Enable
	case RegScanout0Width:
		return d.scanout0Width
	case RegScanout0Height:
		return d.scanout0Height
	case RegScanout0Format:
		return d.scanout0Format
	case RegScanout0Pitch:
		return d.scanout0Pitch
	case RegScanout0FBGpaLo:
		return d.scanout0FBGpa.readLo()
	case RegScanout0FBGpaHi:
		return d.scanout0FBGpa.readHi()
	case RegScanout0VblankSeqLo:
		return uint32(d.scanout0VblankSeq)
	case RegScanout0VblankSeqHi:
		return uint32(d.scanout0VblankSeq >> 32)
	case RegScanout0VblankTimeLo:
		return uint32(d.scanout0VblankTimeNS)
	case RegScanout0VblankTimeHi:
		return uint32(d.scanout0VblankTimeNS >> 32)
	case RegScanout0VblankPeriod:
		return d.scanout0VblankPeriod
	case RegCursorEnable:
		return d.cursorEnable
	case RegCursorX:
		return d.cursorX
	case RegCursorY:
		return d.cursorY
	case RegCursorHotX:
		return d.cursorHotX
	case RegCursorHotY:
		return d.cursorHotY
	case RegCursorWidth:
		return d.cursorWidth
	case RegCursorHeight:
		return d.cursorHeight
	case RegCursorFormat:
		return d.cursorFormat
	case RegCursorFBGpaLo:
		return d.cursorFBGpa.readLo()
	case RegCursorFBGpaHi:
		return d.cursorFBGpa.readHi()
	case RegCursorPitch:
		return d.cursorPitch
	default:
		return 0
	}
}

func (d *Device) writeDword(offset uint64, value uint32) {
	switch offset {
	case RegMagic, RegABIVersion, RegCompletedFenceLo, RegCompletedFenceHi,
		RegScanout0VblankSeqLo, RegScanout0VblankSeqHi,
		RegScanout0VblankTimeLo, RegScanout0VblankTimeHi:
		return // read-only
	case RegFeaturesLo:
		d.featuresLo = value
	case RegFeaturesHi:
		d.featuresHi = value
	case RegRingBaseLo:
		d.ringGPA = (d.ringGPA &^ 0xffffffff) | uint64(value)
	case RegRingBaseHi:
		d.ringGPA = (d.ringGPA & 0xffffffff) | uint64(value)<<32
	case RegRingSize:
		d.ringSize = value
	case RegRingControl:
		d.writeRingControl(value)
	case RegFencePageBaseLo:
		d.fencePageGPA = (d.fencePageGPA &^ 0xffffffff) | uint64(value)
	case RegFencePageBaseHi:
		d.fencePageGPA = (d.fencePageGPA & 0xffffffff) | uint64(value)<<32
	case RegIRQEnable:
		d.irqEnable = value
	case RegIRQAck:
		d.irqStatus &^= value // sticky error payload is untouched by ACK
	case RegErrorCode, RegErrorFenceLo, RegErrorFenceHi, RegErrorCount:
		return // sticky; cleared only by Reset
	case RegDoorbell:
		d.doorbellPending = true
	case RegScanout0Enable:
		d.onScanout0EnableWrite(value)
		d.scanout0Dirty = true
	case RegScanout0Width:
		d.scanout0Width = value
		d.scanout0Dirty = true
	case RegScanout0Height:
		d.scanout0Height = value
		d.scanout0Dirty = true
	case RegScanout0Format:
		d.scanout0Format = value
		d.scanout0Dirty = true
	case RegScanout0Pitch:
		d.scanout0Pitch = value
		d.scanout0Dirty = true
	case RegScanout0FBGpaLo:
		d.scanout0FBGpa.writeLo(value)
		d.scanout0Dirty = true
	case RegScanout0FBGpaHi:
		d.scanout0FBGpa.writeHi(value)
		d.scanout0Dirty = true
	case RegScanout0VblankPeriod:
		d.scanout0VblankPeriod = value
		d.nextVblankDeadline = nil
	case RegCursorEnable:
		d.cursorEnable = value
		d.cursorDirty = true
	case RegCursorX:
		d.cursorX = value
		d.cursorDirty = true
	case RegCursorY:
		d.cursorY = value
		d.cursorDirty = true
	case RegCursorHotX:
		d.cursorHotX = value
		d.cursorDirty = true
	case RegCursorHotY:
		d.cursorHotY = value
		d.cursorDirty = true
	case RegCursorWidth:
		d.cursorWidth = value
		d.cursorDirty = true
	case RegCursorHeight:
		d.cursorHeight = value
		d.cursorDirty = true
	case RegCursorFormat:
		d.cursorFormat = value
		d.cursorDirty = true
	case RegCursorFBGpaLo:
		d.cursorFBGpa.writeLo(value)
		d.cursorDirty = true
	case RegCursorFBGpaHi:
		d.cursorFBGpa.writeHi(value)
		d.cursorDirty = true
	case RegCursorPitch:
		d.cursorPitch = value
		d.cursorDirty = true
	}
}

func (d *Device) writeRingControl(value uint32) {
	d.ringControl = value

	if value&RingControlReset != 0 {
		d.ringResetPending = true
		d.ringResetPendingDMA = true
	}
}

// regBase rounds offset down to its containing 32-bit register word,
// mirroring nvme.Controller.Read's handling of sub-dword accesses.
func regBase(offset uint64) uint64 { return offset &^ 3 }

// Read synthesizes a 1/2/4/8-byte access from the 32-bit register grid.
func (d *Device) Read(offset uint64, size int) uint64 {
	if size <= 0 {
		return 0
	}

	base := regBase(offset)
	lo := uint64(d.readDword(base))

	if size <= 4 {
		shift := (offset - base) * 8

		return (lo >> shift) & sizeMask(size)
	}

	hi := uint64(d.readDword(base + 4))

	return lo | hi<<32
}

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}

	return (uint64(1) << (uint(size) * 8)) - 1
}

// Write synthesizes a 1/2/4/8-byte access, preserving unwritten bytes of a
// partially-written dword via a byte-enable mask.
func (d *Device) Write(offset uint64, size int, value uint64) {
	if size <= 0 {
		return
	}

	if size >= 8 {
		d.writeDwordMasked(offset, 4, uint32(value))
		d.writeDwordMasked(offset+4, 4, uint32(value>>32))

		return
	}

	d.writeDwordMasked(offset, size, uint32(value))
}

func (d *Device) writeDwordMasked(offset uint64, size int, value uint32) {
	base := regBase(offset)

	if size >= 4 && offset == base {
		d.writeDword(base, value)

		return
	}

	shift := uint((offset - base) * 8)
	mask := uint32(sizeMask(size))

	current := d.readDword(base)
	merged := (current &^ (mask << shift)) | ((value & mask) << shift)

	d.writeDword(base, merged)
}

// Process is the host-invoked tick, implementing §4.2's ordered doorbell
// processing: drain deferred external completions, poll the in-process
// backend, catch up vblank, service a pending ring reset, then (if a
// doorbell is pending and the ring is enabled) walk the guest ring.
func (d *Device) Process(bus membus.Bus, nowNS uint64) {
	if !d.cmd.BusMasterEnabled() {
		return
	}

	d.processPendingFencesOnDoorbell()

	if d.backend != nil {
		for _, fence := range d.backend.PollCompletions() {
			d.externallyCompleted[fence] = true
		}

		d.processPendingFencesOnDoorbell()
	}

	d.tickVblank(bus, nowNS)

	if d.ringResetPending {
		d.serviceRingReset(bus)
	}

	if d.doorbellPending && d.ringControl&RingControlEnable != 0 && d.ringGPA != 0 {
		d.doorbellPending = false
		d.walkRing(bus)
	}

	d.writeFencePageIfDirty(bus)
}

// serviceRingReset synchronizes the guest-visible ring head to its tail
// (dropping any pending work the guest had queued) and rewrites the fence
// page, clearing both reset flags.
func (d *Device) serviceRingReset(bus membus.Bus) {
	if d.ringResetPendingDMA && d.ringGPA != 0 {
		h := readRingHeader(bus, d.ringGPA)
		writeRingHead(bus, d.ringGPA, h.tail)
	}

	d.ringResetPending = false
	d.ringResetPendingDMA = false
	d.ringControl &^= RingControlReset
	d.fencePageDirty = true
}

// IRQPending reports the device's derived interrupt level: any enabled
// status bit currently latched.
func (d *Device) IRQPending() bool { return d.irqStatus&d.irqEnable != 0 }

// ErrorCode, ErrorFence, ErrorCount, and CompletedFence expose the
// sticky error payload and completed-fence watermark for host/test
// inspection without going through the MMIO register grid.
func (d *Device) ErrorCode() ErrorCode     { return d.errorCode }
func (d *Device) ErrorFence() uint64       { return d.errorFence }
func (d *Device) ErrorCount() uint32       { return d.errorCount }
func (d *Device) CompletedFence() uint64   { return d.completedFence }
func (d *Device) WDDMScanoutActive() bool  { return d.wddmScanoutActive }

// ScanoutDirty and CursorDirty let a host-side compositor poll for
// register writes that changed scanout/cursor state since the last
// ClearScanoutDirty/ClearCursorDirty call, without re-reading every
// register each frame.
func (d *Device) ScanoutDirty() bool   { return d.scanout0Dirty }
func (d *Device) ClearScanoutDirty()   { d.scanout0Dirty = false }
func (d *Device) CursorDirty() bool    { return d.cursorDirty }
func (d *Device) ClearCursorDirty()    { d.cursorDirty = false }
