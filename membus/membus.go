// Package membus defines the guest physical memory contract that PCI device
// models DMA against. The bus itself is a host collaborator: devices in this
// repository never own guest RAM, they only hold a Bus reference for the
// duration of a single process() tick.
package membus

import "encoding/binary"

// Bus is the physical-memory side of a device's DMA path. Implementations
// are expected to treat out-of-range accesses as no-ops rather than panics,
// since the guest fully controls the addresses devices are asked to read
// from or write to.
type Bus interface {
	// ReadPhysical fills dst from guest RAM starting at gpa. Bytes beyond
	// the end of guest RAM read as zero.
	ReadPhysical(gpa uint64, dst []byte)
	// WritePhysical writes src into guest RAM starting at gpa. Bytes beyond
	// the end of guest RAM are silently dropped.
	WritePhysical(gpa uint64, src []byte)
	// ReadU64 and ReadU32 are little-endian convenience accessors used by
	// PRP lists, SGL descriptors and ring headers.
	ReadU64(gpa uint64) uint64
	ReadU32(gpa uint64) uint32
	// WriteU32 is the write-side counterpart, used by completion posting
	// and fence-page updates.
	WriteU32(gpa uint64, v uint32)
}

// Slice is a flat byte-slice backed Bus, the shape guest RAM takes once a
// VM's single memory slot has been mmap'd. It is the in-process stand-in
// used by every package test in this module and by the scenario harness in
// cmd/aerodevicesim; a real VMM instead backs Bus with its KVM memory slots.
type Slice struct {
	Mem []byte
}

func NewSlice(size int) *Slice {
	return &Slice{Mem: make([]byte, size)}
}

func (s *Slice) ReadPhysical(gpa uint64, dst []byte) {
	n := copy(dst, s.window(gpa, len(dst)))
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func (s *Slice) WritePhysical(gpa uint64, src []byte) {
	w := s.window(gpa, len(src))
	copy(w, src)
}

func (s *Slice) ReadU64(gpa uint64) uint64 {
	var b [8]byte
	s.ReadPhysical(gpa, b[:])

	return binary.LittleEndian.Uint64(b[:])
}

func (s *Slice) ReadU32(gpa uint64) uint32 {
	var b [4]byte
	s.ReadPhysical(gpa, b[:])

	return binary.LittleEndian.Uint32(b[:])
}

func (s *Slice) WriteU32(gpa uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	s.WritePhysical(gpa, b[:])
}

// window returns the writable/readable sub-slice of Mem covered by
// [gpa, gpa+n), clipped to whatever actually fits in guest RAM.
func (s *Slice) window(gpa uint64, n int) []byte {
	if gpa >= uint64(len(s.Mem)) {
		return nil
	}

	end := gpa + uint64(n)
	if end > uint64(len(s.Mem)) {
		end = uint64(len(s.Mem))
	}

	return s.Mem[gpa:end]
}
