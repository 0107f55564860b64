package aerogpu

import "github.com/wilsonzlin/aerovm/membus"

// FenceKind distinguishes a submission that completes as soon as the
// backend reports it done from one that is paced to the next vblank.
type FenceKind uint8

const (
	FenceImmediate FenceKind = iota
	FenceVblank
)

// pendingFence is one entry in the device's ordered, duplicate-merging
// pending-fence-completion queue.
type pendingFence struct {
	value    uint64
	wantsIRQ bool
	kind     FenceKind
}

// maxPendingFences bounds both the live queue and, on load, the snapshot's
// serialized fence-completion payload.
const maxPendingFences = 65536

// pushPendingFence appends value to the ordered queue, merging into the
// tail entry if it repeats the most recently queued fence value.
func (d *Device) pushPendingFence(value uint64, wantsIRQ bool, kind FenceKind) {
	if n := len(d.pendingFences); n > 0 {
		last := &d.pendingFences[n-1]
		if last.value == value {
			last.wantsIRQ = last.wantsIRQ || wantsIRQ
			if kind == FenceVblank {
				last.kind = FenceVblank
			}

			return
		}
	}

	d.pendingFences = append(d.pendingFences, pendingFence{value: value, wantsIRQ: wantsIRQ, kind: kind})
}

// completeFence advances the completed-fence watermark and latches the
// IRQ.FENCE status bit if requested, matching §4.2's complete_fence.
func (d *Device) completeFence(f pendingFence) {
	if f.value != 0 && f.value > d.completedFence {
		d.completedFence = f.value
		d.fencePageDirty = true
	}

	if f.wantsIRQ && d.irqEnable&IRQFence != 0 {
		d.irqStatus |= IRQFence
	}
}

// processPendingFencesOnDoorbell pops every front entry that is Immediate
// and already externally (or backend-) completed.
func (d *Device) processPendingFencesOnDoorbell() {
	for len(d.pendingFences) > 0 {
		front := d.pendingFences[0]
		if front.kind != FenceImmediate || !d.externallyCompleted[front.value] {
			break
		}

		d.completeFence(front)
		delete(d.externallyCompleted, front.value)
		d.pendingFences = d.pendingFences[1:]
	}
}

// processPendingFencesOnVblank drains all front immediates, then at most
// one front vblank-paced fence, then any immediates queued behind it.
func (d *Device) processPendingFencesOnVblank() {
	d.drainFrontImmediates()

	if len(d.pendingFences) > 0 && d.pendingFences[0].kind == FenceVblank {
		front := d.pendingFences[0]
		d.completeFence(front)
		delete(d.externallyCompleted, front.value)
		d.pendingFences = d.pendingFences[1:]
	}

	d.drainFrontImmediates()
}

func (d *Device) drainFrontImmediates() {
	for len(d.pendingFences) > 0 && d.pendingFences[0].kind == FenceImmediate {
		front := d.pendingFences[0]
		d.completeFence(front)
		delete(d.externallyCompleted, front.value)
		d.pendingFences = d.pendingFences[1:]
	}
}

// writeFencePageIfDirty writes the completed fence to the fence page as two
// 32-bit words (lo then hi, mirroring the completed-fence register pair) if
// the dirty flag is set, the fence-page feature is enabled and a fence page
// GPA is programmed. DMA permission is checked by the callers, which only
// run while bus mastering is enabled.
func (d *Device) writeFencePageIfDirty(bus membus.Bus) {
	if !d.fencePageDirty {
		return
	}

	if d.featuresLo&FeatureFencePage == 0 || d.fencePageGPA == 0 {
		return
	}

	bus.WriteU32(d.fencePageGPA+0, uint32(d.completedFence))
	bus.WriteU32(d.fencePageGPA+4, uint32(d.completedFence>>32))
	d.fencePageDirty = false
}
