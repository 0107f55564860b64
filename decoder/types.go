// Package decoder implements the x86 instruction decoder: prefix scan,
// opcode dispatch across the primary/0F/0F38/0F3A/VEX/XOP/EVEX maps,
// operand lowering, and branch classification. golang.org/x/arch/x86/x86asm
// is the structural backend; this package post-processes its output to
// apply the fixups real guests depend on and that upstream disassemblers
// disagree about (implicit operands, relative-branch widths, 16-bit 0x66
// semantics).
package decoder

// Mode is the processor mode decoding is performed under.
type Mode int

const (
	Bits16 Mode = 16
	Bits32 Mode = 32
	Bits64 Mode = 64
)

// MaxInstLen is the architectural instruction length limit.
const MaxInstLen = 15

// OperandSize is an effective operand width.
type OperandSize uint8

const (
	OpSize16 OperandSize = iota
	OpSize32
	OpSize64
	// OpSize8 is not a valid *effective* operand size (the prefix-derived
	// table in §4.3 only ever produces 16/32/64) but is used to report the
	// width of an individual 8-bit GPR operand (AL/AH/SPL/R8B/...).
	OpSize8
)

func (s OperandSize) Bits() int {
	switch s {
	case OpSize8:
		return 8
	case OpSize16:
		return 16
	case OpSize64:
		return 64
	default:
		return 32
	}
}

// AddressSize is an effective address width.
type AddressSize uint8

const (
	AddrSize16 AddressSize = iota
	AddrSize32
	AddrSize64
)

func (s AddressSize) Bits() int {
	switch s {
	case AddrSize16:
		return 16
	case AddrSize64:
		return 64
	default:
		return 32
	}
}

// RepPrefix distinguishes the two REP-group legacy prefixes, which share a
// single "last one wins" slot with LOCK.
type RepPrefix uint8

const (
	RepNone RepPrefix = iota
	Rep
	Repne
)

// SegmentReg is a segment-override prefix's target register.
type SegmentReg uint8

const (
	SegNone SegmentReg = iota
	SegCS
	SegDS
	SegES
	SegSS
	SegFS
	SegGS
)

// RexPrefix is a decoded 64-bit-mode REX byte.
type RexPrefix struct {
	W, R, X, B bool
}

// Prefixes is the scanned legacy-prefix state for one instruction.
type Prefixes struct {
	Lock               bool
	Rep                RepPrefix
	Segment            SegmentReg
	OperandSizeOverride bool
	AddressSizeOverride bool
	Rex                *RexPrefix
}

// OpcodeMap identifies which opcode table an instruction's primary byte(s)
// select.
type OpcodeMap uint8

const (
	MapPrimary OpcodeMap = iota
	Map0F
	Map0F38
	Map0F3A
	// MapExtended covers VEX/XOP/EVEX-prefixed instructions; this package
	// defers their operand decoding entirely to x86asm rather than
	// modelling the VEX/XOP/EVEX payload itself; see decode.go.
	MapExtended
)

// OpcodeBytes is the decoded opcode identity: which map, which opcode byte
// within it, and (for group instructions) the ModRM.reg extension.
type OpcodeBytes struct {
	Map       OpcodeMap
	Opcode    uint8
	HasExt    bool
	Ext       uint8
}

// Gpr is a general-purpose register reference by architectural index
// (0-15), independent of the width it's read/written at.
type Gpr struct {
	Index uint8
}

// OtherRegKind distinguishes non-GPR, non-XMM register operand kinds.
type OtherRegKind uint8

const (
	OtherRegUnknown OtherRegKind = iota
	OtherRegYmm
	OtherRegZmm
	OtherRegMmx
	OtherRegFpu
	OtherRegMask
	OtherRegSegment
	OtherRegControl
	OtherRegDebug
)

// OtherReg is a register operand outside the GPR/XMM families.
type OtherReg struct {
	Kind  OtherRegKind
	Index uint8
}

// MemoryOperand is a decoded effective-address operand.
type MemoryOperand struct {
	Segment     SegmentReg
	AddrSize    AddressSize
	HasBase     bool
	Base        Gpr
	HasIndex    bool
	Index       Gpr
	Scale       uint8
	Disp        int64
	RIPRelative bool
}

// Immediate is a decoded immediate operand.
type Immediate struct {
	Value  int64
	Size   OperandSize
	Signed bool
}

// Relative is a decoded relative-branch target, already resolved to an
// absolute address by the fast path or by the x86asm backend's operand
// lowering (convertArg).
type Relative struct {
	Target uint64
	Size   OperandSize
}

// OperandKind tags which field of Operand is populated.
type OperandKind uint8

const (
	OperandGpr OperandKind = iota
	OperandXMM
	OperandOther
	OperandMemory
	OperandImmediate
	OperandRelative
)

// Operand is a decoded instruction operand. Exactly one field matching Kind
// is meaningful; this mirrors the tagged-union shape of the original
// decoder's operand enum without needing a Go sum type.
type Operand struct {
	Kind OperandKind

	Gpr    Gpr
	Size   OperandSize
	High8  bool

	XMM uint8

	Other OtherReg

	Memory MemoryOperand

	Imm Immediate

	Rel Relative
}

// InstFlags are the control-flow classification bits block formation needs.
type InstFlags struct {
	IsCall   bool
	IsBranch bool
	IsRet    bool
}

// DecodedInst is the fully decoded, fixed-up instruction.
type DecodedInst struct {
	Length      uint8
	Opcode      OpcodeBytes
	Prefixes    Prefixes
	OperandSize OperandSize
	AddressSize AddressSize
	Operands    []Operand
	Flags       InstFlags
}

// ErrorKind is DecodeError's closed failure taxonomy.
type ErrorKind uint8

const (
	UnexpectedEOF ErrorKind = iota
	TooLong
	Invalid
)

func (k ErrorKind) String() string {
	switch k {
	case UnexpectedEOF:
		return "unexpected end of instruction bytes"
	case TooLong:
		return "instruction exceeds 15-byte length limit"
	default:
		return "invalid instruction"
	}
}

// DecodeError is the decoder's only error type: a closed, inspectable kind
// rather than freeform text, so callers (the interpreter's decode-and-retry
// loop) can branch on what went wrong.
type DecodeError struct {
	Kind ErrorKind
}

func (e *DecodeError) Error() string { return e.Kind.String() }

func errUnexpectedEOF() error { return &DecodeError{Kind: UnexpectedEOF} }
func errTooLong() error       { return &DecodeError{Kind: TooLong} }
func errInvalid() error       { return &DecodeError{Kind: Invalid} }
