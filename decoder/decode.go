package decoder

import "github.com/sirupsen/logrus"

var log = logrus.WithField("component", "decoder")

// Decode decodes a single x86 instruction starting at b[0], which executes
// at address ip. It never panics: every malformed or truncated input maps
// to a *DecodeError of one of the three kinds in ErrorKind.
func Decode(b []byte, mode Mode, ip uint64) (DecodedInst, error) {
	prefixes, prefixLen, err := scanPrefixes(b, mode)
	if err != nil {
		return DecodedInst{}, err
	}

	rest := b[prefixLen:]

	opcode, opcodeLen, err := parseOpcode(rest, mode, 0)
	if err != nil {
		return DecodedInst{}, err
	}

	operandSize := effectiveOperandSize(mode, prefixes)
	addrSize := effectiveAddressSize(mode, prefixes)

	modrmOff := opcodeLen

	if opcodeUsesModRMReg(opcode.Map, opcode.Opcode) {
		modrm, ok := at(rest, modrmOff)
		if !ok {
			return DecodedInst{}, errUnexpectedEOF()
		}

		ext := (modrm >> 3) & 0x7

		if opcode.Map == MapPrimary && (opcode.Opcode == 0xC6 || opcode.Opcode == 0xC7) && ext == 7 {
			// XABORT/XBEGIN share the MOV Ib/Iz group's /7 slot but only
			// under the exact mod=11,rm=0 encoding (ModRM byte 0xF8); any
			// other /7 encoding in this group is not a valid instruction.
			if modrm != 0xF8 {
				return DecodedInst{}, errInvalid()
			}
		}

		opcode.HasExt = true
		opcode.Ext = ext
	}

	if prefixLen+opcodeLen > MaxInstLen {
		return DecodedInst{}, errTooLong()
	}

	if fast, length, ok, ferr := decodeRelativeImmediate(rest, mode, ip, prefixes, opcode, operandSize, modrmOff); ok {
		if ferr != nil {
			return DecodedInst{}, ferr
		}

		total := prefixLen + length
		if total > MaxInstLen {
			return DecodedInst{}, errTooLong()
		}

		ops := fixupImplicitOperands(opcode, mode, addrSize, prefixes, []Operand{fast})

		return DecodedInst{
			Length:      uint8(total),
			Opcode:      opcode,
			Prefixes:    prefixes,
			OperandSize: operandSize,
			AddressSize: addrSize,
			Operands:    ops,
			Flags:       classifyInst(opcode, ops),
		}, nil
	}

	log.WithField("opcode", opcode).Trace("decoder: falling back to the x86asm structural backend")

	backendOps, backendLen, err := decodeWithX86asm(b, mode, ip, prefixes, operandSize, addrSize)
	if err != nil {
		return DecodedInst{}, err
	}

	if backendLen > MaxInstLen {
		return DecodedInst{}, errTooLong()
	}

	ops := fixupImplicitOperands(opcode, mode, addrSize, prefixes, backendOps)

	return DecodedInst{
		Length:      uint8(backendLen),
		Opcode:      opcode,
		Prefixes:    prefixes,
		OperandSize: operandSize,
		AddressSize: addrSize,
		Operands:    ops,
		Flags:       classifyInst(opcode, ops),
	}, nil
}
