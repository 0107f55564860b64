package aerogpu

import "github.com/wilsonzlin/aerovm/membus"

// ringHeaderSize is the fixed guest-resident header preceding the
// descriptor array: magic, abi_version, declared_size, entry_count,
// entry_stride, flags, head, tail - eight 32-bit words.
const ringHeaderSize = 32

// descriptorMinStride is the minimum entry stride the decoder's submission
// descriptor requires (signal_fence, cmd_stream_gpa/len, alloc_table_gpa/
// len, flags, reserved padding to a round number).
const descriptorMinStride = 40

type ringHeader struct {
	magic       uint32
	abiVersion  uint32
	declaredSize uint32
	entryCount  uint32
	entryStride uint32
	flags       uint32
	head        uint32
	tail        uint32
}

func readRingHeader(bus membus.Bus, ringGPA uint64) ringHeader {
	return ringHeader{
		magic:        bus.ReadU32(ringGPA + 0),
		abiVersion:   bus.ReadU32(ringGPA + 4),
		declaredSize: bus.ReadU32(ringGPA + 8),
		entryCount:   bus.ReadU32(ringGPA + 12),
		entryStride:  bus.ReadU32(ringGPA + 16),
		flags:        bus.ReadU32(ringGPA + 20),
		head:         bus.ReadU32(ringGPA + 24),
		tail:         bus.ReadU32(ringGPA + 28),
	}
}

func writeRingHead(bus membus.Bus, ringGPA uint64, head uint32) {
	bus.WriteU32(ringGPA+24, head)
}

// descriptor is one guest-resident submission ring entry.
type descriptor struct {
	signalFence   uint64
	cmdStreamGPA  uint64
	cmdStreamLen  uint32
	allocTableGPA uint64
	allocTableLen uint32
	flags         uint32
}

func readDescriptor(bus membus.Bus, gpa uint64) descriptor {
	return descriptor{
		signalFence:   bus.ReadU64(gpa + 0),
		cmdStreamGPA:  bus.ReadU64(gpa + 8),
		cmdStreamLen:  bus.ReadU32(gpa + 16),
		allocTableGPA: bus.ReadU64(gpa + 20),
		allocTableLen: bus.ReadU32(gpa + 28),
		flags:         bus.ReadU32(gpa + 32),
	}
}

func isPowerOfTwo(v uint32) bool { return v != 0 && v&(v-1) == 0 }

// ringValidation is the outcome of validateRing: ok means the ring can be
// walked; when !ok, oob distinguishes an addressing/bounds failure from a
// structural one so the caller can record the right error code.
type ringValidation struct {
	ok  bool
	oob bool
}

// validateRing checks the header against §4.2's ring-walk preconditions.
// mappedSize is the MMIO-programmed RING_SIZE register value. Failures
// that mean "this isn't shaped like a valid ring" are structural
// (CmdDecode); failures that mean "the addresses involved don't fit in
// u64" are Oob.
func validateRing(h ringHeader, ringGPA, mappedSize uint64) ringValidation {
	if h.magic != DeviceMagic {
		return ringValidation{}
	}

	if h.abiVersion>>16 != abiMajor {
		return ringValidation{}
	}

	if uint64(h.declaredSize) > mappedSize {
		return ringValidation{}
	}

	if !isPowerOfTwo(h.entryCount) {
		return ringValidation{}
	}

	if h.entryStride < descriptorMinStride {
		return ringValidation{}
	}

	need := uint64(ringHeaderSize) + uint64(h.entryCount)*uint64(h.entryStride)
	if uint64(h.declaredSize) < need {
		return ringValidation{}
	}

	headerEnd := ringGPA + ringHeaderSize
	if headerEnd < ringGPA {
		return ringValidation{oob: true}
	}

	end := ringGPA + uint64(h.declaredSize)
	if end < ringGPA {
		return ringValidation{oob: true}
	}

	return ringValidation{ok: true}
}

// walkRing drains pending ring entries (tail - head, modular), dispatching
// each descriptor to consumeSubmission in order. On any validation failure
// the ring is fully drained (head set to tail, all pending work dropped)
// and the failure is recorded in the error payload.
func (d *Device) walkRing(bus membus.Bus) {
	h := readRingHeader(bus, d.ringGPA)

	v := validateRing(h, d.ringGPA, uint64(d.ringSize))
	if !v.ok {
		writeRingHead(bus, d.ringGPA, h.tail)

		if v.oob {
			d.recordError(ErrorOob, 0)
		} else {
			d.recordError(ErrorCmdDecode, 0)
		}

		return
	}

	pending := h.tail - h.head // modular (uint32 wraparound is intentional)
	if pending > h.entryCount {
		writeRingHead(bus, d.ringGPA, h.tail)
		d.recordError(ErrorOob, 0)

		return
	}

	head := h.head

	for i := uint32(0); i < pending; i++ {
		slot := head & (h.entryCount - 1)
		descOffset := uint64(slot) * uint64(h.entryStride)
		descGPA := d.ringGPA + ringHeaderSize + descOffset

		if descGPA < d.ringGPA {
			d.recordError(ErrorOob, 0)

			break
		}

		desc := readDescriptor(bus, descGPA)
		d.consumeSubmission(bus, desc)

		head++
	}

	writeRingHead(bus, d.ringGPA, head)

	if d.featuresLo&FeatureFencePage != 0 && d.fencePageGPA != 0 {
		d.writeFencePageIfDirty(bus)
	}
}
