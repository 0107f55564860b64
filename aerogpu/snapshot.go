package aerogpu

import (
	"encoding/binary"

	"github.com/wilsonzlin/aerovm/snapshot"
)

var deviceID = [4]byte{'A', 'E', 'R', 'G'}

const (
	deviceMajor = 1
	deviceMinor = 0

	// maxSnapshotBackendCompleted mirrors maxPendingFences as the bound
	// §4.2 places on the backend-completed set at load time.
	maxSnapshotBackendCompleted = 65536
)

// Save serializes every register, the torn-update latches, the WDDM sticky
// flag, the deferred-effect flags, and the execution-state payload
// (pending fence completions, backend-completed set, pending submissions)
// needed to resume exactly where the device left off.
func (d *Device) Save(w snapshot.Writer) {
	w.PutDeviceVersion(deviceID, deviceMajor, deviceMinor)

	w.PutU32("features_lo", d.featuresLo)
	w.PutU32("features_hi", d.featuresHi)
	w.PutU64("ring_gpa", d.ringGPA)
	w.PutU32("ring_size", d.ringSize)
	w.PutU32("ring_control", d.ringControl)
	w.PutU64("fence_page_gpa", d.fencePageGPA)
	w.PutU32("irq_status", d.irqStatus)
	w.PutU32("irq_enable", d.irqEnable)
	w.PutU32("error_code", uint32(d.errorCode))
	w.PutU64("error_fence", d.errorFence)
	w.PutU32("error_count", d.errorCount)
	w.PutU64("completed_fence", d.completedFence)

	w.PutBool("doorbell_pending", d.doorbellPending)
	w.PutBool("ring_reset_pending", d.ringResetPending)
	w.PutBool("ring_reset_pending_dma", d.ringResetPendingDMA)
	w.PutBool("fence_page_dirty", d.fencePageDirty)
	w.PutBool("scanout0_dirty", d.scanout0Dirty)
	w.PutBool("cursor_dirty", d.cursorDirty)
	w.PutBool("wddm_scanout_active", d.wddmScanoutActive)

	w.PutU32("scanout0_enable", d.scanout0Enable)
	w.PutU32("scanout0_width", d.scanout0Width)
	w.PutU32("scanout0_height", d.scanout0Height)
	w.PutU32("scanout0_format", d.scanout0Format)
	w.PutU32("scanout0_pitch", d.scanout0Pitch)
	putTornLatch(w, "scanout0_fb_gpa", d.scanout0FBGpa)
	w.PutU64("scanout0_vblank_seq", d.scanout0VblankSeq)
	w.PutU64("scanout0_vblank_time_ns", d.scanout0VblankTimeNS)
	w.PutU32("scanout0_vblank_period", d.scanout0VblankPeriod)

	if d.nextVblankDeadline != nil {
		w.PutBool("has_next_vblank_deadline", true)
		w.PutU64("next_vblank_deadline", *d.nextVblankDeadline)
	}

	w.PutU32("cursor_enable", d.cursorEnable)
	w.PutU32("cursor_x", d.cursorX)
	w.PutU32("cursor_y", d.cursorY)
	w.PutU32("cursor_hot_x", d.cursorHotX)
	w.PutU32("cursor_hot_y", d.cursorHotY)
	w.PutU32("cursor_width", d.cursorWidth)
	w.PutU32("cursor_height", d.cursorHeight)
	w.PutU32("cursor_format", d.cursorFormat)
	w.PutU32("cursor_pitch", d.cursorPitch)
	putTornLatch(w, "cursor_fb_gpa", d.cursorFBGpa)

	w.PutBytes("pending_fences", encodePendingFences(d.pendingFences))
	w.PutBytes("externally_completed", encodeUint64Set(d.externallyCompleted))
	w.PutBytes("pending_submissions", encodeSubmissions(d.pendingSubmissions))
}

func putTornLatch(w snapshot.Writer, prefix string, t tornLatch) {
	w.PutU64(prefix+"_committed", t.committed)
	w.PutU32(prefix+"_pending_lo", t.pendingLo)
	w.PutBool(prefix+"_lo_pending", t.loIsPending)
}

func getTornLatch(r snapshot.Reader, prefix string) tornLatch {
	return tornLatch{
		committed:   r.GetU64(prefix + "_committed"),
		pendingLo:   r.GetU32(prefix + "_pending_lo"),
		loIsPending: r.GetBool(prefix + "_lo_pending"),
	}
}

func encodePendingFences(fences []pendingFence) []byte {
	out := make([]byte, 0, len(fences)*9)

	for _, f := range fences {
		var b [9]byte
		binary.LittleEndian.PutUint64(b[0:8], f.value)

		flags := uint8(f.kind)
		if f.wantsIRQ {
			flags |= 0x80
		}

		b[8] = flags
		out = append(out, b[:]...)
	}

	return out
}

func decodePendingFences(b []byte) []pendingFence {
	n := len(b) / 9
	if n > maxPendingFences {
		n = maxPendingFences
	}

	out := make([]pendingFence, 0, n)

	for i := 0; i < n; i++ {
		rec := b[i*9 : i*9+9]
		out = append(out, pendingFence{
			value:    binary.LittleEndian.Uint64(rec[0:8]),
			wantsIRQ: rec[8]&0x80 != 0,
			kind:     FenceKind(rec[8] &^ 0x80),
		})
	}

	return out
}

func encodeUint64Set(set map[uint64]bool) []byte {
	out := make([]byte, 0, len(set)*8)

	for v := range set {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		out = append(out, b[:]...)
	}

	return out
}

func decodeUint64Set(b []byte) map[uint64]bool {
	n := len(b) / 8
	if n > maxSnapshotBackendCompleted {
		n = maxSnapshotBackendCompleted
	}

	out := make(map[uint64]bool, n)

	for i := 0; i < n; i++ {
		out[binary.LittleEndian.Uint64(b[i*8:i*8+8])] = true
	}

	return out
}

// encodeSubmissions packs the pending-submission bridge queue as a simple
// length-prefixed record stream: signal fence, flags, cmd-stream length +
// bytes, alloc-table length + bytes.
func encodeSubmissions(subs []pendingSubmission) []byte {
	var out []byte

	for _, s := range subs {
		var head [20]byte
		binary.LittleEndian.PutUint64(head[0:8], s.signalFence)
		binary.LittleEndian.PutUint32(head[8:12], s.flags)
		binary.LittleEndian.PutUint32(head[12:16], uint32(len(s.cmdStream)))
		binary.LittleEndian.PutUint32(head[16:20], uint32(len(s.allocTable)))

		out = append(out, head[:]...)
		out = append(out, s.cmdStream...)
		out = append(out, s.allocTable...)
	}

	return out
}

// decodeSubmissions is the Load-side counterpart, bounding the restored
// queue to maxPendingSubmissions entries and each payload to its capture
// cap, matching §4.2's "pending submissions <= 256 with per-item payload
// caps".
func decodeSubmissions(b []byte) []pendingSubmission {
	var out []pendingSubmission

	off := 0

	for off+20 <= len(b) && len(out) < maxPendingSubmissions {
		signalFence := binary.LittleEndian.Uint64(b[off : off+8])
		flags := binary.LittleEndian.Uint32(b[off+8 : off+12])
		cmdLen := binary.LittleEndian.Uint32(b[off+12 : off+16])
		allocLen := binary.LittleEndian.Uint32(b[off+16 : off+20])
		off += 20

		if cmdLen > cmdStreamCap {
			cmdLen = cmdStreamCap
		}

		if allocLen > allocTableCap {
			allocLen = allocTableCap
		}

		if off+int(cmdLen)+int(allocLen) > len(b) {
			break
		}

		cmdStream := append([]byte(nil), b[off:off+int(cmdLen)]...)
		off += int(cmdLen)
		allocTable := append([]byte(nil), b[off:off+int(allocLen)]...)
		off += int(allocLen)

		out = append(out, pendingSubmission{
			signalFence: signalFence,
			flags:       flags,
			cmdStream:   cmdStream,
			allocTable:  allocTable,
		})
	}

	return out
}

// Load restores a Device's in-memory state from r, produced by an earlier
// Save. The installed Clock and Backend, if any, are left untouched; all
// backend-facing execution state (pending submissions, completions) is
// reset to what the snapshot describes.
func (d *Device) Load(r snapshot.Reader) error {
	if _, err := r.EnsureDeviceMajor(deviceID, deviceMajor); err != nil {
		return err
	}

	d.featuresLo = r.GetU32("features_lo")
	d.featuresHi = r.GetU32("features_hi")
	d.ringGPA = r.GetU64("ring_gpa")
	d.ringSize = r.GetU32("ring_size")
	d.ringControl = r.GetU32("ring_control")
	d.fencePageGPA = r.GetU64("fence_page_gpa")
	d.irqStatus = r.GetU32("irq_status")
	d.irqEnable = r.GetU32("irq_enable")
	d.errorCode = ErrorCode(r.GetU32("error_code"))
	d.errorFence = r.GetU64("error_fence")
	d.errorCount = r.GetU32("error_count")
	d.completedFence = r.GetU64("completed_fence")

	d.doorbellPending = r.GetBool("doorbell_pending")
	d.ringResetPending = r.GetBool("ring_reset_pending")
	d.ringResetPendingDMA = r.GetBool("ring_reset_pending_dma")
	d.fencePageDirty = r.GetBool("fence_page_dirty")
	d.scanout0Dirty = r.GetBool("scanout0_dirty")
	d.cursorDirty = r.GetBool("cursor_dirty")
	d.wddmScanoutActive = r.GetBool("wddm_scanout_active")

	d.scanout0Enable = r.GetU32("scanout0_enable")
	d.scanout0Width = r.GetU32("scanout0_width")
	d.scanout0Height = r.GetU32("scanout0_height")
	d.scanout0Format = r.GetU32("scanout0_format")
	d.scanout0Pitch = r.GetU32("scanout0_pitch")
	d.scanout0FBGpa = getTornLatch(r, "scanout0_fb_gpa")
	d.scanout0VblankSeq = r.GetU64("scanout0_vblank_seq")
	d.scanout0VblankTimeNS = r.GetU64("scanout0_vblank_time_ns")
	d.scanout0VblankPeriod = r.GetU32("scanout0_vblank_period")

	d.nextVblankDeadline = nil

	if r.GetBool("has_next_vblank_deadline") {
		v := r.GetU64("next_vblank_deadline")
		d.nextVblankDeadline = &v
	}

	d.cursorEnable = r.GetU32("cursor_enable")
	d.cursorX = r.GetU32("cursor_x")
	d.cursorY = r.GetU32("cursor_y")
	d.cursorHotX = r.GetU32("cursor_hot_x")
	d.cursorHotY = r.GetU32("cursor_hot_y")
	d.cursorWidth = r.GetU32("cursor_width")
	d.cursorHeight = r.GetU32("cursor_height")
	d.cursorFormat = r.GetU32("cursor_format")
	d.cursorPitch = r.GetU32("cursor_pitch")
	d.cursorFBGpa = getTornLatch(r, "cursor_fb_gpa")

	d.pendingFences = decodePendingFences(r.GetBytes("pending_fences"))
	d.externallyCompleted = decodeUint64Set(r.GetBytes("externally_completed"))
	d.pendingSubmissions = decodeSubmissions(r.GetBytes("pending_submissions"))

	d.pendingSubmissionBytes = 0
	for _, s := range d.pendingSubmissions {
		d.pendingSubmissionBytes += s.byteLen()
	}

	return nil
}
