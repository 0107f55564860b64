package aerogpu

import (
	"encoding/binary"
	"testing"

	"github.com/wilsonzlin/aerovm/membus"
	"github.com/wilsonzlin/aerovm/pci"
)

// TestPendingSubmissionQueueCappedByTotalBytes is scenario E.
func TestPendingSubmissionQueueCappedByTotalBytes(t *testing.T) {
	t.Parallel()

	dev := New()
	dev.SetSubmissionByteCap(4096)

	dev.enqueuePendingSubmission(pendingSubmission{cmdStream: make([]byte, 3000)})
	dev.enqueuePendingSubmission(pendingSubmission{cmdStream: make([]byte, 3000)})
	dev.enqueuePendingSubmission(pendingSubmission{cmdStream: make([]byte, 1000)})
	dev.enqueuePendingSubmission(pendingSubmission{cmdStream: make([]byte, 200)})

	if got := dev.PendingSubmissionCount(); got != 2 {
		t.Fatalf("expected 2 queued submissions, got %d", got)
	}

	if got := dev.PendingSubmissionBytes(); got != 1200 {
		t.Fatalf("expected 1200 total bytes queued, got %d", got)
	}
}

func TestSubmissionQueueEvictionCompletesOrphanedFence(t *testing.T) {
	t.Parallel()

	dev := New()
	dev.SetSubmissionByteCap(100)

	dev.enqueuePendingSubmission(pendingSubmission{signalFence: 7, cmdStream: make([]byte, 80)})
	dev.enqueuePendingSubmission(pendingSubmission{signalFence: 9, cmdStream: make([]byte, 80)})

	if !dev.externallyCompleted[7] {
		t.Fatalf("expected evicted fence 7 to be marked externally completed")
	}

	if dev.ErrorCode() != ErrorBackend || dev.ErrorFence() != 7 {
		t.Fatalf("expected Backend error recorded for fence 7, got code=%v fence=%d", dev.ErrorCode(), dev.ErrorFence())
	}
}

// TestWDDMOwnershipStaysStickyAfterDisable is invariant 5.
func TestWDDMOwnershipStaysStickyAfterDisable(t *testing.T) {
	t.Parallel()

	dev := New()

	dev.Write(RegScanout0Width, 4, 1920)
	dev.Write(RegScanout0Height, 4, 1080)
	dev.Write(RegScanout0Format, 4, uint64(FormatB8G8R8A8))
	dev.Write(RegScanout0Pitch, 4, 1920*4)
	dev.Write(RegScanout0FBGpaLo, 4, 0x1000)
	dev.Write(RegScanout0FBGpaHi, 4, 0)
	dev.Write(RegScanout0Enable, 4, 1)

	if !dev.WDDMScanoutActive() {
		t.Fatalf("expected WDDM ownership claimed on valid enable")
	}

	dev.Write(RegScanout0Enable, 4, 0)

	if !dev.WDDMScanoutActive() {
		t.Fatalf("expected WDDM ownership to remain sticky after disable")
	}

	dev.Reset()

	if dev.WDDMScanoutActive() {
		t.Fatalf("expected WDDM ownership cleared only by a device reset")
	}
}

const ringGPABase = 0x30000

func writeDescriptorForTest(bus *membus.Slice, gpa uint64, d descriptor) {
	bus.WriteU32(gpa+0, uint32(d.signalFence))
	bus.WriteU32(gpa+4, uint32(d.signalFence>>32))
	bus.WriteU32(gpa+8, uint32(d.cmdStreamGPA))
	bus.WriteU32(gpa+12, uint32(d.cmdStreamGPA>>32))
	bus.WriteU32(gpa+16, d.cmdStreamLen)
	bus.WriteU32(gpa+20, uint32(d.allocTableGPA))
	bus.WriteU32(gpa+24, uint32(d.allocTableGPA>>32))
	bus.WriteU32(gpa+28, d.allocTableLen)
	bus.WriteU32(gpa+32, d.flags)
}

// TestRingWalkCapturesSubmissionAndCompletesFenceOnBridgeReport exercises
// the full bridge path: a guest posts one descriptor, the device captures
// its command stream since no in-process backend is installed, an
// external bridge later reports the fence done, and a following tick
// advances the completed-fence watermark.
func TestRingWalkCapturesSubmissionAndCompletesFenceOnBridgeReport(t *testing.T) {
	t.Parallel()

	bus := membus.NewSlice(1 << 20)
	dev := New()
	dev.SetCommand(pci.CommandBusMaster)
	dev.Write(RegFeaturesLo, 4, uint64(FeatureSubmissionBridge))

	const cmdStreamGPA = 0x40000

	var sizeHdr [4]byte
	binary.LittleEndian.PutUint32(sizeHdr[:], 16)
	bus.WritePhysical(cmdStreamGPA, sizeHdr[:])
	bus.WritePhysical(cmdStreamGPA+4, make([]byte, 16))

	writeRingHeaderForTest(bus, ringGPABase, ringHeader{
		magic:        DeviceMagic,
		abiVersion:   ABIVersion,
		declaredSize: ringHeaderSize + 4*descriptorMinStride,
		entryCount:   4,
		entryStride:  descriptorMinStride,
		head:         0,
		tail:         1,
	})

	writeDescriptorForTest(bus, ringGPABase+ringHeaderSize, descriptor{
		signalFence:  42,
		cmdStreamGPA: cmdStreamGPA,
		cmdStreamLen: 20,
	})

	dev.Write(RegRingBaseLo, 4, ringGPABase)
	dev.Write(RegRingBaseHi, 4, 0)
	dev.Write(RegRingSize, 4, ringHeaderSize+4*descriptorMinStride)
	dev.Write(RegRingControl, 4, uint64(RingControlEnable))
	dev.Write(RegDoorbell, 4, 1)

	dev.Process(bus, 0)

	if dev.ErrorCode() != ErrorNone {
		t.Fatalf("unexpected device error: %v (fence=%d)", dev.ErrorCode(), dev.ErrorFence())
	}

	if got := dev.PendingSubmissionCount(); got != 1 {
		t.Fatalf("expected 1 captured submission, got %d", got)
	}

	drained := dev.DrainPendingSubmissions()
	if len(drained) != 1 || drained[0].SignalFence != 42 {
		t.Fatalf("unexpected drained submissions: %+v", drained)
	}

	if dev.CompletedFence() != 0 {
		t.Fatalf("fence should not complete before the bridge reports it done")
	}

	dev.CompleteExternalFence(42)
	dev.Process(bus, 0)

	if dev.CompletedFence() != 42 {
		t.Fatalf("expected completed fence 42, got %d", dev.CompletedFence())
	}
}
