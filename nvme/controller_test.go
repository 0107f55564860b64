package nvme

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/wilsonzlin/aerovm/diskbackend"
	"github.com/wilsonzlin/aerovm/membus"
	"github.com/wilsonzlin/aerovm/snapshot"
)

const testMemSize = 4 << 20

func newTestHarness(t *testing.T) (*Controller, *membus.Slice) {
	t.Helper()

	disk := diskbackend.NewSparse(2048, 512)
	ctrl := New(disk)
	bus := membus.NewSlice(testMemSize)

	return ctrl, bus
}

func writeCommand(bus *membus.Slice, sqBase uint64, slot uint32, opcode uint8, cid uint16, nsid uint32, prp1, prp2 uint64, cdw10, cdw11, cdw12 uint32) {
	var raw [CommandSize]byte
	raw[0] = opcode
	binary.LittleEndian.PutUint16(raw[2:4], cid)
	binary.LittleEndian.PutUint32(raw[4:8], nsid)
	binary.LittleEndian.PutUint64(raw[24:32], prp1)
	binary.LittleEndian.PutUint64(raw[32:40], prp2)
	binary.LittleEndian.PutUint32(raw[40:44], cdw10)
	binary.LittleEndian.PutUint32(raw[44:48], cdw11)
	binary.LittleEndian.PutUint32(raw[48:52], cdw12)

	bus.WritePhysical(sqBase+uint64(slot)*CommandSize, raw[:])
}

func readCompletion(bus *membus.Slice, cqBase uint64, slot uint32) (sc uint16, dnr bool, phase uint8, cid uint16) {
	var raw [CompletionSize]byte
	bus.ReadPhysical(cqBase+uint64(slot)*CompletionSize, raw[:])

	dw3 := binary.LittleEndian.Uint32(raw[12:16])
	cid = uint16(dw3)
	statusWord := uint16(dw3 >> 16)
	phase = uint8(statusWord & 1)
	sc = (statusWord >> 1) & 0xff
	dnr = statusWord&(1<<14) != 0

	return
}

const (
	asqBase  = 0x10000
	acqBase  = 0x11000
	iosqBase = 0x12000
	iocqBase = 0x13000
	bufBase  = 0x20000
)

// bringUp drives the controller through AQA/ASQ/ACQ programming and the
// CC.EN 0->1 transition (scenario A).
func bringUp(t *testing.T, ctrl *Controller, bus *membus.Slice) {
	t.Helper()

	ctrl.Write(RegAQA, 4, uint64((uint32(15)<<16)|31))
	ctrl.Write(RegASQ, 8, asqBase)
	ctrl.Write(RegACQ, 8, acqBase)
	ctrl.Write(RegCC, 4, ccEnable)

	if ctrl.csts&cstsRDY == 0 {
		t.Fatalf("controller did not become ready: csts=%#x", ctrl.csts)
	}

	if ctrl.csts&cstsCFS != 0 {
		t.Fatalf("controller reported fatal status on enable: csts=%#x", ctrl.csts)
	}
}

func TestEnableTransitionBringsControllerReady(t *testing.T) {
	t.Parallel()

	ctrl, bus := newTestHarness(t)
	bringUp(t, ctrl, bus)

	if ctrl.adminSQ == nil || ctrl.adminCQ == nil {
		t.Fatalf("admin queues not constructed after enable")
	}

	if ctrl.adminSQ.Size != 32 || ctrl.adminCQ.Size != 16 {
		t.Fatalf("unexpected admin queue sizes: sq=%d cq=%d", ctrl.adminSQ.Size, ctrl.adminCQ.Size)
	}
}

func TestEnableRejectsUnsupportedMPS(t *testing.T) {
	t.Parallel()

	ctrl, _ := newTestHarness(t)

	ctrl.Write(RegAQA, 4, uint64((uint32(15)<<16)|31))
	ctrl.Write(RegASQ, 8, asqBase)
	ctrl.Write(RegACQ, 8, acqBase)
	ctrl.Write(RegCC, 4, ccEnable|(1<<7)) // MPS=1

	if ctrl.csts&cstsCFS == 0 {
		t.Fatalf("expected CFS set for unsupported MPS")
	}

	if ctrl.csts&cstsRDY != 0 {
		t.Fatalf("controller should not be RDY after a rejected enable")
	}
}

func TestIdentifyControllerRoundTrip(t *testing.T) {
	t.Parallel()

	ctrl, bus := newTestHarness(t)
	bringUp(t, ctrl, bus)

	writeCommand(bus, asqBase, 0, opIdentify, 7, 0, bufBase, 0, 0x01, 0, 0)
	ctrl.Write(DoorbellBase, 4, 1) // admin SQ doorbell, tail=1

	ctrl.Process(bus)

	sc, dnr, _, cid := readCompletion(bus, acqBase, 0)
	if sc != 0 || dnr {
		t.Fatalf("identify controller failed: sc=%d dnr=%v", sc, dnr)
	}

	if cid != 7 {
		t.Fatalf("completion CID mismatch: got %d want 7", cid)
	}

	var page [PageSize]byte
	bus.ReadPhysical(bufBase, page[:])

	if !bytes.Equal(page[4:24], []byte("AERO000000000000001 ")) {
		t.Fatalf("unexpected serial number in identify page: %q", page[4:24])
	}
}

func TestCreateIOQueuesAndReadWrite(t *testing.T) {
	t.Parallel()

	ctrl, bus := newTestHarness(t)
	bringUp(t, ctrl, bus)

	// CREATE IO CQ 1, then CREATE IO SQ 1 bound to it.
	writeCommand(bus, asqBase, 0, opCreateIOCQ, 1, 0, iocqBase, 0, (15<<16)|1, 0x3, 0)
	writeCommand(bus, asqBase, 1, opCreateIOSQ, 2, 0, iosqBase, 0, (15<<16)|1, (1<<16)|0x1, 0)
	ctrl.Write(DoorbellBase, 4, 2)
	ctrl.Process(bus)

	if sc, _, _, _ := readCompletion(bus, acqBase, 0); sc != 0 {
		t.Fatalf("create io cq failed: sc=%d", sc)
	}

	if sc, _, _, _ := readCompletion(bus, acqBase, 1); sc != 0 {
		t.Fatalf("create io sq failed: sc=%d", sc)
	}

	// WRITE one sector of known content, then READ it back.
	content := bytes.Repeat([]byte{0xab}, 512)
	bus.WritePhysical(bufBase, content)

	writeCommand(bus, iosqBase, 0, opWrite, 11, 1, bufBase, 0, 5, 0, 0)
	ctrl.Write(DoorbellBase+8, 4, 1) // SQ1 doorbell (qid=1 -> offset DoorbellBase + 2*1*4)
	ctrl.Process(bus)

	if sc, _, _, _ := readCompletion(bus, iocqBase, 0); sc != 0 {
		t.Fatalf("write command failed: sc=%d", sc)
	}

	readBuf := uint64(bufBase + PageSize)
	writeCommand(bus, iosqBase, 1, opRead, 12, 1, readBuf, 0, 5, 0, 0)
	ctrl.Write(DoorbellBase+8, 4, 2)
	ctrl.Process(bus)

	if sc, _, _, _ := readCompletion(bus, iocqBase, 1); sc != 0 {
		t.Fatalf("read command failed: sc=%d", sc)
	}

	var got [512]byte
	bus.ReadPhysical(readBuf, got[:])

	if !bytes.Equal(got[:], content) {
		t.Fatalf("read-after-write mismatch")
	}
}

func TestReadBeyondCapacityReturnsLBAOutOfRange(t *testing.T) {
	t.Parallel()

	ctrl, bus := newTestHarness(t)
	bringUp(t, ctrl, bus)

	writeCommand(bus, asqBase, 0, opCreateIOCQ, 1, 0, iocqBase, 0, (15<<16)|1, 0x3, 0)
	writeCommand(bus, asqBase, 1, opCreateIOSQ, 2, 0, iosqBase, 0, (15<<16)|1, (1<<16)|0x1, 0)
	ctrl.Write(DoorbellBase, 4, 2)
	ctrl.Process(bus)

	// LBA far beyond the 2048-sector disk.
	writeCommand(bus, iosqBase, 0, opRead, 9, 1, bufBase, 0, 1_000_000, 0, 0)
	ctrl.Write(DoorbellBase+8, 4, 1)
	ctrl.Process(bus)

	sc, dnr, _, _ := readCompletion(bus, iocqBase, 0)
	if sc != uint16(StatusLBAOutOfRange.SC) || !dnr {
		t.Fatalf("expected LBA_OUT_OF_RANGE, got sc=%d dnr=%v", sc, dnr)
	}
}

func TestCompletionPhaseTogglesOnWrap(t *testing.T) {
	t.Parallel()

	ctrl, bus := newTestHarness(t)

	// A 4-entry admin CQ: 3 postable slots before the guest must consume,
	// small enough to force a wrap within this test.
	ctrl.Write(RegAQA, 4, uint64((uint32(3)<<16)|31))
	ctrl.Write(RegASQ, 8, asqBase)
	ctrl.Write(RegACQ, 8, acqBase)
	ctrl.Write(RegCC, 4, ccEnable)

	for i := uint32(0); i < 3; i++ {
		writeCommand(bus, asqBase, i, opGetFeatures, uint16(i), 0, 0, 0, featureVolatileWriteCache, 0, 0)
	}

	ctrl.Write(DoorbellBase, 4, 3)
	ctrl.Process(bus)

	if ctrl.adminCQ.Phase != 1 {
		t.Fatalf("expected phase still 1 before any wrap, got %d", ctrl.adminCQ.Phase)
	}

	// Guest consumes all 3 posted completions, freeing the queue.
	ctrl.Write(DoorbellBase+4, 4, 3) // admin CQ doorbell

	writeCommand(bus, asqBase, 3, opGetFeatures, 99, 0, 0, 0, featureVolatileWriteCache, 0, 0)
	ctrl.Write(DoorbellBase, 4, 4)
	ctrl.Process(bus)

	if ctrl.adminCQ.Phase != 0 {
		t.Fatalf("expected phase to have flipped to 0 after wrapping, got %d", ctrl.adminCQ.Phase)
	}

	// The completion that caused the wrap sits in the last slot of the first
	// pass, so it still carries the first pass's phase (1).
	_, _, phaseLastSlot, cid := readCompletion(bus, acqBase, 3)
	if phaseLastSlot != 1 || cid != 99 {
		t.Fatalf("unexpected last-slot completion: phase=%d cid=%d", phaseLastSlot, cid)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	ctrl, bus := newTestHarness(t)
	bringUp(t, ctrl, bus)

	writeCommand(bus, asqBase, 0, opCreateIOCQ, 1, 0, iocqBase, 0, (15<<16)|1, 0x3, 0)
	ctrl.Write(DoorbellBase, 4, 1)
	ctrl.Process(bus)

	sbuf := snapshot.NewBuffer()
	ctrl.Save(sbuf)

	encoded, err := sbuf.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := snapshot.Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	restored := New(diskbackend.NewSparse(2048, 512))
	if err := restored.Load(decoded); err != nil {
		t.Fatalf("load: %v", err)
	}

	if restored.csts != ctrl.csts || restored.cc != ctrl.cc {
		t.Fatalf("register state lost across save/load")
	}

	if len(restored.ioCQ) != 1 {
		t.Fatalf("expected 1 io cq restored, got %d", len(restored.ioCQ))
	}
}
