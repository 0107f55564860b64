package decoder

// fixupImplicitOperands patches operand lists for opcodes whose effective
// address isn't encoded in ModRM/SIB at all (XLAT, MASKMOVQ/MASKMOVDQU),
// whose backend-reported operands are architecturally redundant (unary
// group instructions, 0F 18..1F's hint/prefetch encodings), or that carry
// no real operands despite a backend guess (INT3/IRET/ICEBP). A
// synthesized implicit memory operand still honors any segment override
// the guest encoded, the same as an explicit ModRM/SIB memory operand
// would.
func fixupImplicitOperands(opcode OpcodeBytes, mode Mode, addrSize AddressSize, p Prefixes, ops []Operand) []Operand {
	if opcode.Map == MapPrimary {
		switch opcode.Opcode {
		case 0xD7: // XLAT/XLATB: AL = [BX/EBX/RBX + AL-extended-to-AX]
			return []Operand{{Kind: OperandMemory, Memory: MemoryOperand{
				Segment:  p.Segment,
				AddrSize: addrSize,
				HasBase:  true,
				Base:     Gpr{Index: 3}, // BX/EBX/RBX architectural index
			}}}
		case 0xCC, 0xCF, 0xF1: // INT3, IRET/IRETD/IRETQ, ICEBP/INT1: no explicit operands
			return nil
		case 0x8C, 0x8E: // MOV Sreg: always a 16-bit move, never high-8
			for i := range ops {
				if ops[i].Kind == OperandGpr {
					ops[i].Size = OpSize16
					ops[i].High8 = false
				}
			}

			return ops
		}
	}

	if opcode.Map == Map0F {
		switch opcode.Opcode {
		case 0xF7: // MASKMOVQ/MASKMOVDQU: implicit [DI/EDI/RDI] destination
			if !hasMemoryOperand(ops) {
				ops = append(ops, Operand{Kind: OperandMemory, Memory: MemoryOperand{
					Segment:  p.Segment,
					AddrSize: addrSize,
					HasBase:  true,
					Base:     Gpr{Index: 7}, // DI/EDI/RDI architectural index
				}})
			}

			return ops
		}

		if opcode.Opcode >= 0x18 && opcode.Opcode <= 0x1F {
			// Hint/prefetch group: the backend reports a memory operand
			// twice (once as the destination it infers, once as the
			// source); the real encoding is a single r/m operand plus the
			// ModRM.reg extension (augmented by REX.R in 64-bit mode)
			// selecting which hint.
			ext := opcode.Ext
			if mode == Bits64 && p.Rex != nil && p.Rex.R {
				ext |= 0x8
			}

			mem := firstMemoryOperand(ops)
			if mem == nil {
				return ops
			}

			return []Operand{*mem, {Kind: OperandGpr, Gpr: Gpr{Index: ext}, Size: OpSize32}}
		}
	}

	return dedupUnaryGroup(opcode, ops)
}

func hasMemoryOperand(ops []Operand) bool {
	for _, o := range ops {
		if o.Kind == OperandMemory {
			return true
		}
	}

	return false
}

func firstMemoryOperand(ops []Operand) *Operand {
	for i := range ops {
		if ops[i].Kind == OperandMemory {
			return &ops[i]
		}
	}

	return nil
}

// dedupUnaryGroup drops a duplicated trailing operand for the Group 2
// shift/rotate-by-1 and Group 3 single-operand forms, which the backend
// sometimes reports as (dst, dst) rather than (dst).
func dedupUnaryGroup(opcode OpcodeBytes, ops []Operand) []Operand {
	if opcode.Map != MapPrimary || !opcode.HasExt {
		return ops
	}

	switch opcode.Opcode {
	case 0xD0, 0xD1, 0xF6, 0xF7:
		if len(ops) == 2 && operandsIdentical(ops[0], ops[1]) {
			return ops[:1]
		}
	}

	return ops
}

func operandsIdentical(a, b Operand) bool {
	if a.Kind != b.Kind {
		return false
	}

	switch a.Kind {
	case OperandGpr:
		return a.Gpr == b.Gpr && a.Size == b.Size && a.High8 == b.High8
	case OperandMemory:
		return a.Memory == b.Memory
	default:
		return false
	}
}

// classifyInst sets the control-flow flags block formation needs: explicit
// opcode identity for near/far call, jump and return forms, OR'd with "this
// instruction carries a Relative operand" so any branch the fast path or
// backend resolved to a target is flagged even if classified by a map this
// switch doesn't enumerate.
func classifyInst(opcode OpcodeBytes, ops []Operand) InstFlags {
	var f InstFlags

	if opcode.Map == MapPrimary {
		switch opcode.Opcode {
		case 0xE8: // CALL rel
			f.IsCall = true
		case 0x9A: // CALLF ptr16:XX (legacy, invalid in 64-bit mode)
			f.IsCall = true
		case 0xE9, 0xEB: // JMP rel
			f.IsBranch = true
		case 0xEA: // JMPF ptr16:XX
			f.IsBranch = true
		case 0xC2, 0xC3: // RET / RET imm16
			f.IsRet = true
		case 0xCA, 0xCB: // RETF / RETF imm16
			f.IsRet = true
		case 0xCF: // IRET
			f.IsRet = true
		}

		if opcode.Opcode >= 0x70 && opcode.Opcode <= 0x7F { // Jcc rel8
			f.IsBranch = true
		}
	}

	if opcode.Map == Map0F && opcode.Opcode >= 0x80 && opcode.Opcode <= 0x8F { // Jcc rel16/32
		f.IsBranch = true
	}

	for _, o := range ops {
		if o.Kind == OperandRelative {
			f.IsBranch = true
		}
	}

	// A CALL through r/m (FF /2) or an indirect JMP (FF /4) carries no
	// Relative operand; the group extension still identifies it.
	if opcode.Map == MapPrimary && opcode.Opcode == 0xFF && opcode.HasExt {
		switch opcode.Ext {
		case 2, 3:
			f.IsCall = true
		case 4, 5:
			f.IsBranch = true
		}
	}

	return f
}
