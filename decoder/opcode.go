package decoder

// parseOpcode identifies the opcode map and byte(s) starting at off,
// disambiguating 0x8F/0xC4/0xC5/0x62 between their legacy meaning and
// VEX/XOP/EVEX per §4.3.
func parseOpcode(b []byte, mode Mode, off int) (OpcodeBytes, int, error) {
	b0, ok := at(b, off)
	if !ok {
		return OpcodeBytes{}, 0, errUnexpectedEOF()
	}

	switch b0 {
	case 0x0F:
		b1, ok := at(b, off+1)
		if !ok {
			return OpcodeBytes{}, 0, errUnexpectedEOF()
		}

		switch b1 {
		case 0x38:
			b2, ok := at(b, off+2)
			if !ok {
				return OpcodeBytes{}, 0, errUnexpectedEOF()
			}

			return OpcodeBytes{Map: Map0F38, Opcode: b2}, 3, nil
		case 0x3A:
			b2, ok := at(b, off+2)
			if !ok {
				return OpcodeBytes{}, 0, errUnexpectedEOF()
			}

			return OpcodeBytes{Map: Map0F3A, Opcode: b2}, 3, nil
		default:
			return OpcodeBytes{Map: Map0F, Opcode: b1}, 2, nil
		}

	case 0x8F:
		// XOP shares its first byte with POP r/m (Group 1A, /0). XOP's
		// m-mmmm field (byte 2, low 5 bits) is always >= 8; a legacy ModRM
		// here can only have reg==0 and so a low-5-bits value of 0..7.
		b1, ok := at(b, off+1)
		if !ok {
			return OpcodeBytes{}, 0, errUnexpectedEOF()
		}

		if b1&0x1F >= 8 {
			return OpcodeBytes{Map: MapExtended, Opcode: b0}, 1, nil
		}

		return OpcodeBytes{Map: MapPrimary, Opcode: b0}, 1, nil

	case 0xC4, 0xC5, 0x62:
		// VEX (C4/C5) / EVEX (62) share their first byte with LES/LDS/BOUND.
		// In 16/32-bit mode the CPU disambiguates by requiring the next
		// byte's ModRM.mod == 0b11, which a legacy memory-operand opcode
		// can never encode.
		b1, ok := at(b, off+1)
		if !ok {
			return OpcodeBytes{}, 0, errUnexpectedEOF()
		}

		if mode == Bits64 || b1&0xC0 == 0xC0 {
			return OpcodeBytes{Map: MapExtended, Opcode: b0}, 1, nil
		}

		return OpcodeBytes{Map: MapPrimary, Opcode: b0}, 1, nil

	default:
		return OpcodeBytes{Map: MapPrimary, Opcode: b0}, 1, nil
	}
}

func at(b []byte, i int) (byte, bool) {
	if i < 0 || i >= len(b) {
		return 0, false
	}

	return b[i], true
}

// opcodeUsesModRMReg reports whether opcode's ModRM.reg field is a group
// extension that must be captured into OpcodeBytes.Ext.
func opcodeUsesModRMReg(m OpcodeMap, opcode uint8) bool {
	switch m {
	case MapPrimary:
		switch opcode {
		case 0x80, 0x81, 0x82, 0x83, 0xC0, 0xC1, 0xC6, 0xC7, 0xD0, 0xD1, 0xD2, 0xD3, 0xF6, 0xF7, 0xFE, 0xFF:
			return true
		}
	case Map0F:
		switch {
		case opcode == 0x00 || opcode == 0x01:
			return true
		case opcode >= 0x18 && opcode <= 0x1F:
			return true
		case opcode == 0xBA || opcode == 0xC7:
			return true
		}
	}

	return false
}
