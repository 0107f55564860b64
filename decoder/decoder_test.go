package decoder

import (
	"testing"
)

func TestDecodeNeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{0x90},
		{0xF0, 0xF0, 0xF0, 0xF0, 0xF0, 0xF0, 0xF0, 0xF0, 0xF0, 0xF0, 0xF0, 0xF0, 0xF0, 0xF0, 0xF0, 0xF0},
		{0x66, 0x67, 0x2E, 0x3E, 0x26, 0x64, 0x65, 0x36, 0xF0, 0xF2, 0xF3},
		{0x0F},
		{0x0F, 0x38},
		{0x0F, 0x3A},
		{0xC4},
		{0xC4, 0xE2},
		{0x62, 0xF1},
		{0x8F, 0xE8},
		{0xFF},
		{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		{0xC6, 0xF8},
		{0xC6, 0xF8, 0x00},
		{0xC7, 0xF0, 0x00, 0x00, 0x00, 0x00},
		{0xE8, 0x01},
		{0xE9},
		{0x70},
		{0x0F, 0x80},
	}

	for _, mode := range []Mode{Bits16, Bits32, Bits64} {
		for i, in := range inputs {
			func() {
				defer func() {
					if r := recover(); r != nil {
						t.Fatalf("mode %d input %d (%x): Decode panicked: %v", mode, i, in, r)
					}
				}()

				inst, err := Decode(in, mode, 0x1000)
				if err == nil {
					return
				}

				var derr *DecodeError
				if de, ok := err.(*DecodeError); ok {
					derr = de
				} else {
					t.Fatalf("mode %d input %d (%x): error is not *DecodeError: %v", mode, i, in, err)
				}

				switch derr.Kind {
				case UnexpectedEOF, TooLong, Invalid:
				default:
					t.Fatalf("mode %d input %d (%x): unexpected ErrorKind %v", mode, i, in, derr.Kind)
				}

				_ = inst
			}()
		}
	}
}

func TestDecodeRejectsOverlongPrefixRun(t *testing.T) {
	in := make([]byte, 20)
	for i := range in {
		in[i] = 0x66
	}

	_, err := Decode(in, Bits64, 0)
	if err == nil {
		t.Fatalf("expected TooLong, got success")
	}

	derr, ok := err.(*DecodeError)
	if !ok || derr.Kind != TooLong {
		t.Fatalf("expected TooLong, got %v", err)
	}
}

// TestMaskmovdquStickySegmentOverride exercises the prefix stream
// FS DS 66 0F F7 /r: the DS override is accepted-but-ignored in 64-bit
// mode and must not clear the FS override recorded just before it, and
// MASKMOVDQU's implicit [DI]-family memory destination must be
// synthesized even though the register-direct ModRM here reports only
// XMM operands.
func TestMaskmovdquStickySegmentOverride(t *testing.T) {
	in := []byte{0x64, 0x3E, 0x66, 0x0F, 0xF7, 0xC1}

	inst, err := Decode(in, Bits64, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if inst.Prefixes.Segment != SegFS {
		t.Fatalf("expected FS override to survive the ignored DS override, got %v", inst.Prefixes.Segment)
	}

	if !inst.Prefixes.OperandSizeOverride {
		t.Fatalf("expected 0x66 to be recorded")
	}

	if inst.Opcode.Map != Map0F || inst.Opcode.Opcode != 0xF7 {
		t.Fatalf("expected 0F F7, got map %v opcode %#x", inst.Opcode.Map, inst.Opcode.Opcode)
	}

	mem := firstMemoryOperand(inst.Operands)
	if mem == nil {
		t.Fatalf("expected an implicit memory operand, got %+v", inst.Operands)
	}

	if !mem.HasBase || mem.Base.Index != 7 {
		t.Fatalf("expected implicit [DI]-family base (index 7), got %+v", mem.Base)
	}

	if mem.Segment != SegFS {
		t.Fatalf("expected the implicit memory operand to carry the FS override, got %v", mem.Segment)
	}

	if inst.Length == 0 {
		t.Fatalf("expected a non-zero decoded length")
	}
}

func TestClassifyInstFlagsRelativeBranch(t *testing.T) {
	// E8 rel32: CALL
	inst, err := Decode([]byte{0xE8, 0x00, 0x00, 0x00, 0x00}, Bits64, 0x1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !inst.Flags.IsCall || !inst.Flags.IsBranch {
		t.Fatalf("expected CALL rel32 to be flagged IsCall and IsBranch, got %+v", inst.Flags)
	}

	if len(inst.Operands) != 1 || inst.Operands[0].Kind != OperandRelative {
		t.Fatalf("expected a single Relative operand, got %+v", inst.Operands)
	}

	if inst.Operands[0].Rel.Target != 0x1005 {
		t.Fatalf("expected target 0x1005, got %#x", inst.Operands[0].Rel.Target)
	}
}

func TestClassifyInstRet(t *testing.T) {
	inst, err := Decode([]byte{0xC3}, Bits64, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !inst.Flags.IsRet {
		t.Fatalf("expected RET to be flagged IsRet, got %+v", inst.Flags)
	}
}
