package aerogpu

import (
	"testing"

	"github.com/wilsonzlin/aerovm/snapshot"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dev := New()
	dev.Write(RegFeaturesLo, 4, uint64(FeatureFencePage|FeatureVblank))
	dev.Write(RegIRQEnable, 4, uint64(IRQFence|IRQError))
	dev.Write(RegScanout0Width, 4, 640)
	dev.Write(RegScanout0Height, 4, 480)
	dev.Write(RegScanout0Format, 4, uint64(FormatB8G8R8A8))
	dev.Write(RegScanout0Pitch, 4, 640*4)
	dev.Write(RegScanout0FBGpaLo, 4, 0x2000)
	dev.Write(RegScanout0FBGpaHi, 4, 0)
	dev.Write(RegScanout0Enable, 4, 1)

	dev.enqueuePendingSubmission(pendingSubmission{signalFence: 5, cmdStream: []byte{1, 2, 3}})
	dev.pushPendingFence(5, true, FenceVblank)
	dev.externallyCompleted[99] = true

	sbuf := snapshot.NewBuffer()
	dev.Save(sbuf)

	encoded, err := sbuf.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := snapshot.Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	restored := New()
	if err := restored.Load(decoded); err != nil {
		t.Fatalf("load: %v", err)
	}

	if restored.featuresLo != dev.featuresLo {
		t.Fatalf("features_lo mismatch: got %#x want %#x", restored.featuresLo, dev.featuresLo)
	}

	if restored.scanout0Width != 640 || restored.scanout0Height != 480 {
		t.Fatalf("scanout dimensions not restored: %+v", restored)
	}

	if restored.scanout0FBGpa.committed != 0x2000 {
		t.Fatalf("scanout0 fb gpa not restored: %#x", restored.scanout0FBGpa.committed)
	}

	if !restored.wddmScanoutActive {
		t.Fatalf("expected WDDM ownership restored as active")
	}

	if restored.PendingSubmissionCount() != 1 || restored.PendingSubmissionBytes() != 3 {
		t.Fatalf("pending submissions not restored: count=%d bytes=%d",
			restored.PendingSubmissionCount(), restored.PendingSubmissionBytes())
	}

	if len(restored.pendingFences) != 1 || restored.pendingFences[0].value != 5 || restored.pendingFences[0].kind != FenceVblank {
		t.Fatalf("pending fences not restored: %+v", restored.pendingFences)
	}

	if !restored.externallyCompleted[99] {
		t.Fatalf("externally-completed set not restored")
	}
}

// TestScanoutFBGpaTornUpdateProtection exercises the lo/hi split-write
// latch: a low-dword write alone must not change the committed address
// until the matching high-dword write arrives.
func TestScanoutFBGpaTornUpdateProtection(t *testing.T) {
	t.Parallel()

	dev := New()

	dev.Write(RegScanout0FBGpaLo, 4, 0xaabbccdd)

	if got := dev.scanout0FBGpa.committed; got != 0 {
		t.Fatalf("expected committed address unchanged before the high write, got %#x", got)
	}

	if got := dev.Read(RegScanout0FBGpaLo, 4); got != 0xaabbccdd {
		t.Fatalf("expected pending low half to read back immediately, got %#x", got)
	}

	dev.Write(RegScanout0FBGpaHi, 4, 0x11223344)

	want := uint64(0x11223344)<<32 | 0xaabbccdd
	if dev.scanout0FBGpa.committed != want {
		t.Fatalf("expected combined address %#x, got %#x", want, dev.scanout0FBGpa.committed)
	}

	if got := dev.Read(RegScanout0FBGpaHi, 4); got != 0x11223344 {
		t.Fatalf("unexpected high half readback: %#x", got)
	}
}
