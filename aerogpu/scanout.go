package aerogpu

import "github.com/wilsonzlin/aerovm/membus"

// maxVblankCatchup bounds how many missed vblank periods a single tick will
// retire; a guest that stops calling process for a long time sees its
// vblank sequence jump by at most this many, with the deadline realigned
// to the next period boundary instead of drifting forever behind now_ns.
const maxVblankCatchup = 1024

// scanoutConfig is the subset of SCANOUT0_* fields a WDDM ownership claim
// validates; cursor shares the same shape minus the vblank-only fields.
type scanoutConfig struct {
	width, height uint32
	format        PixelFormat
	pitch         uint32
	fbGPA         uint64
}

func (c scanoutConfig) valid(fbTornPending bool) bool {
	if !formatSupported(c.format) {
		return false
	}

	if c.width == 0 || c.height == 0 {
		return false
	}

	if c.fbGPA == 0 || fbTornPending {
		return false
	}

	bpp := BytesPerPixel(c.format)
	rowBytes := c.width * bpp

	if c.pitch < rowBytes || c.pitch%bpp != 0 {
		return false
	}

	span := uint64(c.height-1)*uint64(c.pitch) + uint64(rowBytes)
	end := c.fbGPA + span

	return end >= c.fbGPA
}

// tornLatch implements the lo/hi split-write protection shared by
// SCANOUT0_FB_GPA and CURSOR_FB_GPA: a write to the low dword latches a
// pending value without committing, and the high-dword write combines with
// whatever low value is current (pending, or already-committed) to produce
// the new 64-bit address atomically from the guest's perspective.
type tornLatch struct {
	committed  uint64
	pendingLo  uint32
	loIsPending bool
}

func (t *tornLatch) writeLo(v uint32) {
	t.pendingLo = v
	t.loIsPending = true
}

func (t *tornLatch) writeHi(v uint32) {
	lo := uint32(t.committed)
	if t.loIsPending {
		lo = t.pendingLo
	}

	t.committed = uint64(v)<<32 | uint64(lo)
	t.loIsPending = false
}

func (t *tornLatch) readLo() uint32 {
	if t.loIsPending {
		return t.pendingLo
	}

	return uint32(t.committed)
}

func (t *tornLatch) readHi() uint32 { return uint32(t.committed >> 32) }

func (t *tornLatch) reset() {
	t.committed = 0
	t.pendingLo = 0
	t.loIsPending = false
}

// onScanout0EnableWrite runs whenever the guest writes SCANOUT0_ENABLE. It
// claims the sticky WDDM ownership latch the first time a valid
// configuration is observed enabled, and on a 1->0 transition stops vblank
// scheduling, clears the latched vblank IRQ bit, flushes vsync-paced
// fences, and resets the torn-update latches - but never clears
// wddmScanoutActive once set.
func (d *Device) onScanout0EnableWrite(value uint32) {
	wasEnabled := d.scanout0Enable != 0
	d.scanout0Enable = value

	if value != 0 {
		cfg := scanoutConfig{
			width:  d.scanout0Width,
			height: d.scanout0Height,
			format: PixelFormat(d.scanout0Format),
			pitch:  d.scanout0Pitch,
			fbGPA:  d.scanout0FBGpa.committed,
		}

		if cfg.valid(d.scanout0FBGpa.loIsPending) {
			d.wddmScanoutActive = true
		}

		return
	}

	if !wasEnabled {
		return
	}

	d.nextVblankDeadline = nil
	d.irqStatus &^= IRQScanoutVblank
	d.flushVsyncPacedFences()
	d.scanout0FBGpa.reset()
	d.cursorFBGpa.reset()
}

// flushVsyncPacedFences completes every currently queued Vblank fence
// immediately, since scanout is going dark and nothing will ever pace them
// again otherwise.
func (d *Device) flushVsyncPacedFences() {
	kept := d.pendingFences[:0]

	for _, f := range d.pendingFences {
		if f.kind == FenceVblank {
			d.completeFence(f)
			delete(d.externallyCompleted, f.value)

			continue
		}

		kept = append(kept, f)
	}

	d.pendingFences = kept
}

// tickVblank advances the device's clock to nowNS (or the installed
// Clock's own reading, if one is present) and retires any vblank periods
// that have elapsed, bounded by maxVblankCatchup.
func (d *Device) tickVblank(bus membus.Bus, nowNS uint64) {
	if d.clock != nil {
		nowNS = d.clock.NowNS()
	}

	if nowNS < d.nowNS {
		return // reject backwards time
	}

	d.nowNS = nowNS

	if d.scanout0VblankPeriod == 0 || d.scanout0Enable == 0 {
		d.nextVblankDeadline = nil
		d.irqStatus &^= IRQScanoutVblank

		return
	}

	period := uint64(d.scanout0VblankPeriod)

	if d.nextVblankDeadline == nil {
		first := ((d.nowNS / period) + 1) * period
		if d.nowNS%period == 0 {
			first = d.nowNS
		}

		d.nextVblankDeadline = &first
	}

	iterations := 0

	for *d.nextVblankDeadline <= d.nowNS && iterations < maxVblankCatchup {
		next := *d.nextVblankDeadline

		d.scanout0VblankSeq++
		d.scanout0VblankTimeNS = next

		if d.irqEnable&IRQScanoutVblank != 0 {
			d.irqStatus |= IRQScanoutVblank
		}

		if d.cmd.BusMasterEnabled() {
			d.processPendingFencesOnVblank()
		}

		after := next + period
		d.nextVblankDeadline = &after
		iterations++
	}

	if iterations == maxVblankCatchup {
		// Excess time beyond the catch-up bound is realigned to the next
		// period boundary rather than left to accumulate an ever-growing
		// backlog.
		aligned := ((d.nowNS / period) + 1) * period
		d.nextVblankDeadline = &aligned
	}
}
