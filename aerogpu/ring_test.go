package aerogpu

import (
	"encoding/binary"
	"testing"

	"github.com/wilsonzlin/aerovm/membus"
	"github.com/wilsonzlin/aerovm/pci"
)

// sparseBus is a map-backed membus.Bus fake for tests that need to place
// data at addresses far too large for a flat byte slice to back, such as
// scenario D's deliberately-near-u64-max ring base.
type sparseBus struct {
	mem map[uint64]byte
}

func newSparseBus() *sparseBus { return &sparseBus{mem: make(map[uint64]byte)} }

func (s *sparseBus) ReadPhysical(gpa uint64, dst []byte) {
	for i := range dst {
		dst[i] = s.mem[gpa+uint64(i)]
	}
}

func (s *sparseBus) WritePhysical(gpa uint64, src []byte) {
	for i, b := range src {
		s.mem[gpa+uint64(i)] = b
	}
}

func (s *sparseBus) ReadU64(gpa uint64) uint64 {
	var b [8]byte
	s.ReadPhysical(gpa, b[:])

	return binary.LittleEndian.Uint64(b[:])
}

func (s *sparseBus) ReadU32(gpa uint64) uint32 {
	var b [4]byte
	s.ReadPhysical(gpa, b[:])

	return binary.LittleEndian.Uint32(b[:])
}

func (s *sparseBus) WriteU32(gpa uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	s.WritePhysical(gpa, b[:])
}

var _ membus.Bus = (*sparseBus)(nil)

func writeRingHeaderForTest(bus membus.Bus, gpa uint64, h ringHeader) {
	bus.WriteU32(gpa+0, h.magic)
	bus.WriteU32(gpa+4, h.abiVersion)
	bus.WriteU32(gpa+8, h.declaredSize)
	bus.WriteU32(gpa+12, h.entryCount)
	bus.WriteU32(gpa+16, h.entryStride)
	bus.WriteU32(gpa+20, h.flags)
	bus.WriteU32(gpa+24, h.head)
	bus.WriteU32(gpa+28, h.tail)
}

// TestRingOOBYieldsErrorAndDropsPendingWork is scenario D: a ring base so
// close to the u64 address ceiling that ring_gpa + declared_size wraps,
// even though the header itself parses as structurally valid.
func TestRingOOBYieldsErrorAndDropsPendingWork(t *testing.T) {
	t.Parallel()

	dev := New()
	dev.SetCommand(pci.CommandBusMaster)

	bus := newSparseBus()

	const (
		entryCount = 2
		stride     = descriptorMinStride
	)

	declaredSize := uint32(ringHeaderSize + entryCount*stride)
	ringGPA := ^uint64(0) - 50 // 50 bytes below the ceiling; declaredSize(112) overflows it

	writeRingHeaderForTest(bus, ringGPA, ringHeader{
		magic:        DeviceMagic,
		abiVersion:   ABIVersion,
		declaredSize: declaredSize,
		entryCount:   entryCount,
		entryStride:  stride,
		head:         1,
		tail:         2,
	})

	dev.Write(RegRingBaseLo, 4, uint64(uint32(ringGPA)))
	dev.Write(RegRingBaseHi, 4, uint64(uint32(ringGPA>>32)))
	dev.Write(RegRingSize, 4, uint64(declaredSize))
	dev.Write(RegRingControl, 4, uint64(RingControlEnable))
	dev.Write(RegIRQEnable, 4, uint64(IRQError))
	dev.Write(RegDoorbell, 4, 1)

	dev.Process(bus, 0)

	if dev.ErrorCode() != ErrorOob {
		t.Fatalf("expected ERROR_CODE Oob, got %v", dev.ErrorCode())
	}

	if dev.ErrorCount() != 1 {
		t.Fatalf("expected ERROR_COUNT 1, got %d", dev.ErrorCount())
	}

	h := readRingHeader(bus, ringGPA)
	if h.head != h.tail {
		t.Fatalf("expected ring head synced to tail, got head=%d tail=%d", h.head, h.tail)
	}

	if dev.irqStatus&IRQError == 0 {
		t.Fatalf("expected IRQ.ERROR latched")
	}
}
