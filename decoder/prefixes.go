package decoder

// segmentOverride maps a legacy segment-override prefix byte to its
// SegmentReg, or SegNone if b isn't one.
func segmentOverride(b byte) SegmentReg {
	switch b {
	case 0x2E:
		return SegCS
	case 0x36:
		return SegSS
	case 0x3E:
		return SegDS
	case 0x26:
		return SegES
	case 0x64:
		return SegFS
	case 0x65:
		return SegGS
	default:
		return SegNone
	}
}

// scanPrefixes consumes legacy (and, in 64-bit mode, REX) prefix bytes in a
// single pass. REX may be interleaved with legacy prefixes; the last REX
// byte wins. In 64-bit mode an ignored CS/DS/ES/SS override must not clear
// an already-recorded FS/GS override.
func scanPrefixes(b []byte, mode Mode) (Prefixes, int, error) {
	var p Prefixes

	idx := 0

	for idx < len(b) && idx < MaxInstLen {
		c := b[idx]

		if mode == Bits64 && c >= 0x40 && c <= 0x4F {
			p.Rex = &RexPrefix{
				W: c&0x8 != 0,
				R: c&0x4 != 0,
				X: c&0x2 != 0,
				B: c&0x1 != 0,
			}
			idx++

			continue
		}

		if seg := segmentOverride(c); seg != SegNone {
			switch {
			case mode == Bits64 && (seg == SegFS || seg == SegGS):
				p.Segment = seg
			case mode == Bits64:
				// Accepted but ignored; must not clear an FS/GS override
				// recorded earlier in the prefix stream.
			default:
				p.Segment = seg
			}

			idx++

			continue
		}

		switch c {
		case 0xF0:
			p.Lock = true
			p.Rep = RepNone
			idx++

			continue
		case 0xF2:
			p.Rep = Repne
			p.Lock = false
			idx++

			continue
		case 0xF3:
			p.Rep = Rep
			p.Lock = false
			idx++

			continue
		case 0x66:
			p.OperandSizeOverride = true
			idx++

			continue
		case 0x67:
			p.AddressSizeOverride = true
			idx++

			continue
		}

		break
	}

	if idx >= MaxInstLen {
		return Prefixes{}, 0, errTooLong()
	}

	return p, idx, nil
}

func effectiveOperandSize(mode Mode, p Prefixes) OperandSize {
	switch mode {
	case Bits16:
		if p.OperandSizeOverride {
			return OpSize32
		}

		return OpSize16
	case Bits64:
		if p.Rex != nil && p.Rex.W {
			return OpSize64
		}

		if p.OperandSizeOverride {
			return OpSize16
		}

		return OpSize32
	default: // Bits32
		if p.OperandSizeOverride {
			return OpSize16
		}

		return OpSize32
	}
}

func effectiveAddressSize(mode Mode, p Prefixes) AddressSize {
	switch mode {
	case Bits16:
		if p.AddressSizeOverride {
			return AddrSize32
		}

		return AddrSize16
	case Bits64:
		if p.AddressSizeOverride {
			return AddrSize32
		}

		return AddrSize64
	default: // Bits32
		if p.AddressSizeOverride {
			return AddrSize16
		}

		return AddrSize32
	}
}
