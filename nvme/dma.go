package nvme

import "github.com/wilsonzlin/aerovm/membus"

// segment is one contiguous (guest_phys_addr, length) run produced by the
// PRP or SGL walker; dmaRead/dmaWrite replay a list of these against the
// memory bus.
type segment struct {
	gpa uint64
	len uint32
}

const (
	maxSGLDescriptors = 16384
	maxTransferBytes  = 4 << 20 // 4 MiB, matches MDTS=10
)

// prpSegments resolves PRP1/PRP2 into a segment list covering exactly len
// bytes, per §4.1's PRP walker description.
func prpSegments(bus membus.Bus, prp1, prp2 uint64, length uint32) ([]segment, error) {
	if length == 0 {
		return nil, nil
	}

	pageMask := uint64(PageSize - 1)
	if prp1 == 0 {
		return nil, StatusInvalidField
	}

	first := uint32(PageSize - (prp1 & pageMask))
	if first > length {
		first = length
	}

	segs := []segment{{gpa: prp1, len: first}}
	remaining := uint64(length - first)

	if remaining == 0 {
		return segs, nil
	}

	if prp2 == 0 || prp2&0x7 != 0 {
		return nil, StatusInvalidField
	}

	// If what's left fits in a single page, PRP2 is a direct data pointer.
	if remaining <= PageSize {
		segs = append(segs, segment{gpa: prp2, len: uint32(remaining)})

		return segs, nil
	}

	// Otherwise PRP2 is a PRP list: 8-byte page-aligned entries, the last
	// slot of a full list page chaining to the next list page.
	listGPA := prp2

	for remaining > 0 {
		entriesPerPage := uint32(PageSize / 8)

		for i := uint32(0); i < entriesPerPage && remaining > 0; i++ {
			entry := bus.ReadU64(listGPA + uint64(i)*8)

			isLast := i == entriesPerPage-1
			moreAfterThisPage := remaining > PageSize*uint64(1)

			if isLast && remaining > PageSize {
				if entry == 0 || entry&pageMask != 0 {
					return nil, StatusInvalidField
				}

				listGPA = entry

				break
			}

			if entry == 0 || entry&pageMask != 0 {
				return nil, StatusInvalidField
			}

			n := uint32(PageSize)
			if uint64(n) > remaining {
				n = uint32(remaining)
			}

			segs = append(segs, segment{gpa: entry, len: n})
			remaining -= uint64(n)

			_ = moreAfterThisPage
		}
	}

	return segs, nil
}

const (
	sglTypeDataBlock    = 0x0
	sglTypeSegment      = 0x2
	sglTypeLastSegment  = 0x3
	sglSubtypeAddress   = 0x0
)

type sglDescriptor struct {
	addr         uint64
	length       uint32
	typ          uint8
	subtype      uint8
	reservedZero bool // bytes 12..14 of the 16-byte descriptor
}

func decodeSGLDescriptor(b []byte) sglDescriptor {
	return sglDescriptor{
		addr:         leU64(b[0:8]),
		length:       leU32(b[8:12]),
		typ:          b[15] & 0x0f,
		subtype:      (b[15] >> 4) & 0x0f,
		reservedZero: b[12] == 0 && b[13] == 0 && b[14] == 0,
	}
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}

	return v
}

func leU32(b []byte) uint32 {
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}

	return v
}

// sglSegments resolves an inline SGL descriptor (as carried in DPTR) into a
// flat segment list covering exactly len bytes, per §4.1's SGL walker.
// Segment/Last-Segment descriptors are expanded depth-first via an
// explicit LIFO stack, matching the original implementation's traversal
// order: an early Segment descriptor is fully expanded before any sibling
// Data Block that followed it in program order is visited.
func sglSegments(bus membus.Bus, root [16]byte, length uint32) ([]segment, error) {
	desc := decodeSGLDescriptor(root[:])

	var (
		segs  []segment
		total uint32
		count int
	)

	type stackEntry struct {
		desc sglDescriptor
	}

	stack := []stackEntry{{desc: desc}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		d := top.desc

		if d.subtype != sglSubtypeAddress || !d.reservedZero {
			return nil, StatusInvalidField
		}

		switch d.typ {
		case sglTypeDataBlock:
			count++
			if count > maxSGLDescriptors {
				return nil, StatusInvalidField
			}

			segs = append(segs, segment{gpa: d.addr, len: d.length})
			total += d.length

		case sglTypeSegment, sglTypeLastSegment:
			if d.length == 0 || d.length%16 != 0 {
				return nil, StatusInvalidField
			}

			n := d.length / 16
			// Push in reverse so the first child of this segment is popped
			// (and thus expanded) first, preserving program order within a
			// single segment while still depth-first overall.
			children := make([]sglDescriptor, n)

			for i := uint32(0); i < n; i++ {
				var buf [16]byte
				bus.ReadPhysical(d.addr+uint64(i)*16, buf[:])
				children[i] = decodeSGLDescriptor(buf[:])

				count++
				if count > maxSGLDescriptors {
					return nil, StatusInvalidField
				}
			}

			for i := int(n) - 1; i >= 0; i-- {
				stack = append(stack, stackEntry{desc: children[i]})
			}

		default:
			return nil, StatusInvalidField
		}
	}

	if total != length {
		return nil, StatusInvalidField
	}

	return segs, nil
}

// dmaWrite writes src to guest memory across the given segment list, in
// order, failing if the segments don't cover len(src) bytes exactly.
func dmaWrite(bus membus.Bus, segs []segment, src []byte) error {
	off := 0

	for _, s := range segs {
		n := int(s.len)
		if off+n > len(src) {
			return StatusInvalidField
		}

		bus.WritePhysical(s.gpa, src[off:off+n])
		off += n
	}

	if off != len(src) {
		return StatusInvalidField
	}

	return nil
}

// dmaRead is the read-side counterpart of dmaWrite.
func dmaRead(bus membus.Bus, segs []segment, dst []byte) error {
	off := 0

	for _, s := range segs {
		n := int(s.len)
		if off+n > len(dst) {
			return StatusInvalidField
		}

		bus.ReadPhysical(s.gpa, dst[off:off+n])
		off += n
	}

	if off != len(dst) {
		return StatusInvalidField
	}

	return nil
}
