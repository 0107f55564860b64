package decoder

import (
	"golang.org/x/arch/x86/x86asm"
)

// decodeWithX86asm is the structural-disassembler backend: x86asm.Decode
// does the actual ModRM/SIB/VEX/EVEX table walk, and this function lowers
// its result into this package's operand shapes.
func decodeWithX86asm(b []byte, mode Mode, ip uint64, p Prefixes, operandSize OperandSize, addrSize AddressSize) ([]Operand, int, error) {
	if len(b) > MaxInstLen {
		b = b[:MaxInstLen]
	}

	inst, err := x86asm.Decode(b, int(mode))
	if err != nil {
		switch err {
		case x86asm.ErrTruncated:
			return nil, 0, errUnexpectedEOF()
		default:
			return nil, 0, errInvalid()
		}
	}

	ops := make([]Operand, 0, 4)

	for _, a := range inst.Args {
		if a == nil {
			break
		}

		op, ok := convertArg(a, p, addrSize, operandSize, ip+uint64(inst.Len))
		if !ok {
			continue
		}

		ops = append(ops, op)
	}

	return ops, inst.Len, nil
}

func convertArg(a x86asm.Arg, p Prefixes, addrSize AddressSize, operandSize OperandSize, nextIP uint64) (Operand, bool) {
	switch v := a.(type) {
	case x86asm.Reg:
		return convertReg(v)
	case x86asm.Mem:
		return convertMem(v, p, addrSize, nextIP), true
	case x86asm.Imm:
		// x86asm.Imm carries only a value, not its encoded byte width;
		// approximating the immediate's size as the instruction's effective
		// operand size is right for the common case (ALU/MOV immediates)
		// and wrong only for imm8-that-sign-extends forms, which do not
		// affect this package's operand-kind classification use.
		return Operand{Kind: OperandImmediate, Imm: Immediate{Value: int64(v), Size: operandSize, Signed: true}}, true
	case x86asm.Rel:
		target := nextIP + uint64(int64(v))

		return Operand{Kind: OperandRelative, Rel: Relative{Target: target, Size: operandSize}}, true
	default:
		return Operand{}, false
	}
}

func convertMem(m x86asm.Mem, p Prefixes, addrSize AddressSize, nextIP uint64) Operand {
	out := MemoryOperand{
		Segment:  p.Segment,
		AddrSize: addrSize,
	}

	if m.Base == x86asm.RIP {
		out.RIPRelative = true
		out.Disp = m.Disp
	} else if m.Base != 0 {
		if g, ok := gprIndex(m.Base); ok {
			out.HasBase = true
			out.Base = Gpr{Index: g}
		}
	}

	if m.Scale != 0 && m.Index != 0 {
		if g, ok := gprIndex(m.Index); ok {
			out.HasIndex = true
			out.Index = Gpr{Index: g}
			out.Scale = m.Scale
		}
	}

	out.Disp = m.Disp

	return Operand{Kind: OperandMemory, Memory: out}
}

// gprIndex reduces any GPR-family x86asm.Reg (8/16/32/64-bit) to its
// architectural index 0-15. High-8 registers (AH/CH/DH/BH) are handled by
// convertReg directly, never reaching here as a memory base/index.
func gprIndex(r x86asm.Reg) (uint8, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return uint8(r - x86asm.AL), true
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return uint8(r-x86asm.SPB) + 4, true
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return uint8(r-x86asm.R8B) + 8, true
	case r >= x86asm.AX && r <= x86asm.DI:
		return uint8(r - x86asm.AX), true
	case r >= x86asm.R8W && r <= x86asm.R15W:
		return uint8(r-x86asm.R8W) + 8, true
	case r >= x86asm.EAX && r <= x86asm.EDI:
		return uint8(r - x86asm.EAX), true
	case r >= x86asm.R8L && r <= x86asm.R15L:
		return uint8(r-x86asm.R8L) + 8, true
	case r >= x86asm.RAX && r <= x86asm.RDI:
		return uint8(r - x86asm.RAX), true
	case r >= x86asm.R8 && r <= x86asm.R15:
		return uint8(r-x86asm.R8) + 8, true
	default:
		return 0, false
	}
}

func convertReg(r x86asm.Reg) (Operand, bool) {
	switch {
	case r >= x86asm.AH && r <= x86asm.BH:
		return Operand{Kind: OperandGpr, Gpr: Gpr{Index: uint8(r - x86asm.AH)}, Size: OpSize8, High8: true}, true
	case r >= x86asm.AL && r <= x86asm.DIB || r >= x86asm.R8B && r <= x86asm.R15B:
		idx, _ := gprIndex(r)

		return Operand{Kind: OperandGpr, Gpr: Gpr{Index: idx}, Size: OpSize8}, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		idx, _ := gprIndex(r)

		return Operand{Kind: OperandGpr, Gpr: Gpr{Index: idx}, Size: OpSize16}, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		idx, _ := gprIndex(r)

		return Operand{Kind: OperandGpr, Gpr: Gpr{Index: idx}, Size: OpSize32}, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		idx, _ := gprIndex(r)

		return Operand{Kind: OperandGpr, Gpr: Gpr{Index: idx}, Size: OpSize64}, true
	case r >= x86asm.X0 && r <= x86asm.X15:
		return Operand{Kind: OperandXMM, XMM: uint8(r - x86asm.X0)}, true
	case r >= x86asm.M0 && r <= x86asm.M7:
		return Operand{Kind: OperandOther, Other: OtherReg{Kind: OtherRegMmx, Index: uint8(r - x86asm.M0)}}, true
	case r >= x86asm.F0 && r <= x86asm.F7:
		return Operand{Kind: OperandOther, Other: OtherReg{Kind: OtherRegFpu, Index: uint8(r - x86asm.F0)}}, true
	case r >= x86asm.ES && r <= x86asm.GS:
		return Operand{Kind: OperandOther, Other: OtherReg{Kind: OtherRegSegment, Index: uint8(r - x86asm.ES)}}, true
	case r >= x86asm.CR0 && r <= x86asm.CR15:
		return Operand{Kind: OperandOther, Other: OtherReg{Kind: OtherRegControl, Index: uint8(r - x86asm.CR0)}}, true
	case r >= x86asm.DR0 && r <= x86asm.DR15:
		return Operand{Kind: OperandOther, Other: OtherReg{Kind: OtherRegDebug, Index: uint8(r - x86asm.DR0)}}, true
	default:
		return Operand{Kind: OperandOther, Other: OtherReg{Kind: OtherRegUnknown}}, true
	}
}
