package aerogpu

import "github.com/wilsonzlin/aerovm/membus"

const (
	// maxPendingSubmissions bounds the bridge queue's entry count per
	// §3.2's "at most 256 entries ... oldest is dropped first".
	maxPendingSubmissions = 256

	// defaultMaxPendingSubmissionBytes is the production total-payload cap
	// (128 MiB); Device.submissionByteCap starts here and can be narrowed
	// for testing via SetSubmissionByteCap.
	defaultMaxPendingSubmissionBytes = 128 << 20

	// cmdStreamCap and allocTableCap are the per-transfer caps
	// capture_cmd_stream/capture_alloc_table enforce in addition to the
	// descriptor's own advertised length and declared size_bytes header.
	cmdStreamCap  = 16 << 20
	allocTableCap = 64 << 20

	// allocTableMagic/allocTableABIMajor gate capture_alloc_table the same
	// way the ring header gates walkRing.
	allocTableMagic    uint32 = 0x414c_4c54 // "ALLT"
	allocTableABIMajor uint32 = 1
)

// pendingSubmission is one captured entry in the out-of-process bridge
// queue: the guest's command stream and optional allocation table, copied
// out of guest memory so the external executor can drain them later
// without racing the guest's reuse of the ring slot.
type pendingSubmission struct {
	signalFence uint64
	flags       uint32
	cmdStream   []byte
	allocTable  []byte
}

func (p pendingSubmission) byteLen() int { return len(p.cmdStream) + len(p.allocTable) }

// Backend is the optional in-process command executor. When installed, a
// device forwards every submission to it directly instead of queuing for
// the external bridge.
type Backend interface {
	Submit(sub Submission) error
	// PollCompletions returns fence values the backend has finished since
	// the last poll, in completion order.
	PollCompletions() []uint64
}

// Submission is what an in-process Backend receives: the decoded
// descriptor plus whatever bytes were captured from guest memory (the same
// shape a bridge consumer would see).
type Submission struct {
	SignalFence   uint64
	Flags         uint32
	CmdStream     []byte
	AllocTable    []byte
}

// captureCmdStream copies up to cmdStreamCap bytes of the guest's command
// stream, bounded by the descriptor's advertised length and a size_bytes
// header the guest writes as the buffer's first four bytes.
func captureCmdStream(bus membus.Bus, gpa uint64, advertisedLen uint32) ([]byte, bool) {
	if gpa == 0 || advertisedLen < 4 {
		return nil, false
	}

	declared := bus.ReadU32(gpa)
	n := advertisedLen - 4

	if declared < n {
		n = declared
	}

	if n > cmdStreamCap {
		n = cmdStreamCap
	}

	out := make([]byte, n)
	bus.ReadPhysical(gpa+4, out)

	return out, true
}

// captureAllocTable copies the allocation table if present, validating its
// magic and ABI major the same way a ring header is validated.
func captureAllocTable(bus membus.Bus, gpa uint64, advertisedLen uint32) ([]byte, bool) {
	if gpa == 0 {
		return nil, true // no allocation table is not an error
	}

	if advertisedLen < 12 {
		return nil, false
	}

	magic := bus.ReadU32(gpa + 0)
	abi := bus.ReadU32(gpa + 4)
	declared := bus.ReadU32(gpa + 8)

	if magic != allocTableMagic || abi>>16 != allocTableABIMajor {
		return nil, false
	}

	n := advertisedLen - 12
	if declared < n {
		n = declared
	}

	if n > allocTableCap {
		n = allocTableCap
	}

	out := make([]byte, n)
	bus.ReadPhysical(gpa+12, out)

	return out, true
}

// DrainPendingSubmissions removes and returns every currently queued
// bridge submission, for an external executor to process. The device
// keeps no further record of them; CompleteExternalFence is how the
// executor later reports a signal fence as done.
func (d *Device) DrainPendingSubmissions() []Submission {
	out := make([]Submission, 0, len(d.pendingSubmissions))

	for _, p := range d.pendingSubmissions {
		out = append(out, Submission{
			SignalFence: p.signalFence,
			Flags:       p.flags,
			CmdStream:   p.cmdStream,
			AllocTable:  p.allocTable,
		})
	}

	d.pendingSubmissions = nil
	d.pendingSubmissionBytes = 0

	return out
}

// CompleteExternalFence is how an out-of-process bridge consumer reports
// that it finished a submission; the fence is applied on the next
// process() tick via processPendingFencesOnDoorbell.
func (d *Device) CompleteExternalFence(fence uint64) { d.externallyCompleted[fence] = true }

// PendingSubmissionCount and PendingSubmissionBytes expose the bridge
// queue's current occupancy for host-side back-pressure decisions.
func (d *Device) PendingSubmissionCount() int { return len(d.pendingSubmissions) }
func (d *Device) PendingSubmissionBytes() int { return d.pendingSubmissionBytes }

// enqueuePendingSubmission appends to the bridge queue, evicting the
// oldest entry first whenever the count or total-byte bound is exceeded.
// An evicted entry whose signal fence is still awaiting bridge completion
// is marked externally completed (so the guest never wedges) and recorded
// as a Backend error.
func (d *Device) enqueuePendingSubmission(p pendingSubmission) {
	d.pendingSubmissions = append(d.pendingSubmissions, p)
	d.pendingSubmissionBytes += p.byteLen()

	for len(d.pendingSubmissions) > maxPendingSubmissions || d.pendingSubmissionBytes > d.submissionByteCap {
		oldest := d.pendingSubmissions[0]
		d.pendingSubmissions = d.pendingSubmissions[1:]
		d.pendingSubmissionBytes -= oldest.byteLen()

		if oldest.signalFence != 0 && oldest.signalFence > d.completedFence {
			d.externallyCompleted[oldest.signalFence] = true
			d.recordError(ErrorBackend, oldest.signalFence)
		}
	}
}

// consumeSubmission implements §4.2's consume_submission policy: decode,
// capture or forward, enqueue, and determine fence scheduling.
func (d *Device) consumeSubmission(bus membus.Bus, desc descriptor) {
	if desc.cmdStreamGPA == 0 && desc.allocTableGPA != 0 {
		d.recordError(ErrorCmdDecode, desc.signalFence)

		return
	}

	var (
		cmdStream   []byte
		allocTable  []byte
		captureOK   = true
		sawCmdStream bool
	)

	if desc.cmdStreamGPA != 0 {
		sawCmdStream = true

		var ok bool

		cmdStream, ok = captureCmdStream(bus, desc.cmdStreamGPA, desc.cmdStreamLen)
		if !ok {
			captureOK = false
		}
	}

	if captureOK && desc.allocTableGPA != 0 {
		var ok bool

		allocTable, ok = captureAllocTable(bus, desc.allocTableGPA, desc.allocTableLen)
		if !ok {
			captureOK = false
		}
	}

	if !captureOK {
		d.recordError(ErrorCmdDecode, desc.signalFence)
	}

	sub := pendingSubmission{
		signalFence: desc.signalFence,
		flags:       desc.flags,
		cmdStream:   cmdStream,
		allocTable:  allocTable,
	}

	bridgeActive := d.featuresLo&FeatureSubmissionBridge != 0 && d.backend == nil

	if d.backend != nil {
		_ = d.backend.Submit(Submission{
			SignalFence: sub.signalFence,
			Flags:       sub.flags,
			CmdStream:   sub.cmdStream,
			AllocTable:  sub.allocTable,
		})
	} else if captureOK && sawCmdStream {
		d.enqueuePendingSubmission(sub)
	}

	d.scheduleFenceForSubmission(bus, desc, sub, bridgeActive, captureOK)
}

// scheduleFenceForSubmission implements step 5/6 of consume_submission:
// determine whether the fence is paced to vblank or immediate, append it
// to the pending-fence queue (merging duplicates), and mark it
// backend-completed up front when nothing will ever drive it forward.
func (d *Device) scheduleFenceForSubmission(bus membus.Bus, desc descriptor, sub pendingSubmission, bridgeActive, captureOK bool) {
	if sub.signalFence == 0 || sub.signalFence <= d.completedFence {
		return
	}

	if n := len(d.pendingFences); n > 0 && sub.signalFence < d.pendingFences[n-1].value {
		return
	}

	vblankPacing := d.featuresLo&FeatureVblank != 0 && d.scanout0Enable != 0 && d.scanout0VblankPeriod != 0

	kind := FenceImmediate

	if vblankPacing && desc.cmdStreamGPA != 0 {
		if d.backend == nil && bridgeActive {
			if containsVsyncPacket(sub.cmdStream) {
				kind = FenceVblank
			}
		} else if guestCmdStreamHasVsyncPacket(bus, desc.cmdStreamGPA, desc.cmdStreamLen) {
			kind = FenceVblank
		}
	}

	wantsIRQ := sub.flags&submissionFlagWantIRQ != 0

	d.pushPendingFence(sub.signalFence, wantsIRQ, kind)

	if d.backend == nil && (!bridgeActive || !captureOK) {
		d.externallyCompleted[sub.signalFence] = true
	}
}

// submissionFlagWantIRQ is bit 0 of the descriptor flags word: the guest
// asking to be notified via IRQ.FENCE once this submission's fence
// completes.
const submissionFlagWantIRQ uint32 = 1 << 0

// vsyncPacketTag marks a vsync-present packet inside a command stream. The
// detection is deliberately duplicated between bridge mode (scans the bytes
// already captured for the bridge queue) and non-bridge mode (scans guest
// memory directly, independent of whatever the bridge capture did or didn't
// manage) rather than unified, per §9's note on preserving that asymmetry:
// collapsing the two onto a single captured buffer would mean a capture
// failure also blinds non-bridge vsync pacing, defeating the anti-deadlock
// purpose the split exists for.
const vsyncPacketTag uint32 = 0x5653_594e // "VSYN"

// containsVsyncPacket is the bridge-mode path: it scans the bytes already
// captured into the bridge queue, never touching guest memory again.
func containsVsyncPacket(cmdStream []byte) bool {
	return scanForVsyncTag(cmdStream)
}

// guestCmdStreamHasVsyncPacket is the non-bridge-mode path: it re-reads the
// guest's command stream straight off the bus, bounded by cmdStreamCap
// independently of any bridge capture (and of whether that capture
// succeeded), so a backend-installed or bridge-disabled device can still
// detect vsync even when capture_cmd_stream would have failed.
func guestCmdStreamHasVsyncPacket(bus membus.Bus, gpa uint64, advertisedLen uint32) bool {
	if gpa == 0 || advertisedLen < 4 {
		return false
	}

	n := advertisedLen - 4
	if n > cmdStreamCap {
		n = cmdStreamCap
	}

	buf := make([]byte, n)
	bus.ReadPhysical(gpa+4, buf)

	return scanForVsyncTag(buf)
}

func scanForVsyncTag(b []byte) bool {
	for i := 0; i+4 <= len(b); i += 4 {
		tag := uint32(b[i]) | uint32(b[i+1])<<8 | uint32(b[i+2])<<16 | uint32(b[i+3])<<24
		if tag == vsyncPacketTag {
			return true
		}
	}

	return false
}
