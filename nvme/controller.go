// Package nvme implements a functionally correct NVMe 1.4 PCI storage
// controller: the BAR0 register file, admin and I/O submission/completion
// queues, PRP/SGL DMA, and the NVM command set (READ, WRITE, FLUSH, WRITE
// ZEROES, DSM). It drives an external disk backend and memory bus; neither
// is owned by this package (see diskbackend and membus).
package nvme

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/wilsonzlin/aerovm/diskbackend"
	"github.com/wilsonzlin/aerovm/membus"
)

var log = logrus.WithField("component", "nvme")

// BAR0 register offsets (§6's "fixed offsets" sample, extended to cover
// every register this model exposes).
const (
	RegCAP         = 0x0000 // 8 bytes
	RegVS          = 0x0008
	RegINTMS       = 0x000c
	RegINTMC       = 0x0010
	RegCC          = 0x0014
	RegCSTS        = 0x001c
	RegAQA         = 0x0024
	RegASQ         = 0x0028 // 8 bytes
	RegACQ         = 0x0030 // 8 bytes
	DoorbellBase   = 0x1000
	doorbellStride = 4 // CAP.DSTRD = 0
)

const (
	ccEnable = 1 << 0
	cstsRDY  = 1 << 0
	cstsCFS  = 1 << 1
)

// capValue is the fixed CAP register image: MQES=127, DSTRD=0, CSS.NVM,
// MPSMIN=MPSMAX=0 (4 KiB only).
const capValue uint64 = (uint64(MaxQueueEntries-1) & 0xffff) | (1 << 37) // CSS.NVM bit 37

// vsValue is NVMe 1.4.0.
const vsValue uint32 = 0x0001_0400

// Controller owns a disk backend exclusively and models everything the
// spec's §3.1/§4.1 describe: registers, queues, pending doorbells, and
// feature latches.
type Controller struct {
	disk diskbackend.Backend

	cap   uint64
	vs    uint32
	intms uint32
	cc    uint32
	csts  uint32
	aqa   uint32
	asq   uint64
	acq   uint64

	adminSQ *SubmissionQueue
	adminCQ *CompletionQueue

	ioSQ map[uint16]*SubmissionQueue
	ioCQ map[uint16]*CompletionQueue

	// pendingDoorbells maps qid -> most recently written SQ tail. Bounded
	// at MaxIOQueues+1 (admin + I/O queues); see §4.1's doorbell handling.
	pendingDoorbells map[uint16]uint32

	numIOQueuesRequested uint16 // 0-based, Number of Queues feature (0x07)
	interruptCoalescing  uint16 // low 16 bits round-tripped verbatim
	volatileWriteCache   bool

	intxLevel bool
}

// New constructs a Controller bound exclusively to disk. The controller is
// initially disabled (CC.EN=0, CSTS.RDY=0); the guest must program AQA/ASQ/
// ACQ and set CC.EN to bring it up (NVMe scenario A).
func New(disk diskbackend.Backend) *Controller {
	return &Controller{
		disk:             disk,
		cap:              capValue,
		vs:               vsValue,
		ioSQ:             make(map[uint16]*SubmissionQueue),
		ioCQ:             make(map[uint16]*CompletionQueue),
		pendingDoorbells: make(map[uint16]uint32),
	}
}

// ---- register read/write (synthesized 1/2/4/8-byte access) ----

// Read services a BAR0 access of the given size at offset, returning the
// containing register's current value already shifted/masked for the
// requested width.
func (c *Controller) Read(offset uint64, size int) uint64 {
	if offset >= DoorbellBase {
		// Doorbells are write-only; reads return zero.
		return 0
	}

	base, width := regBase(offset)

	full := uint64(c.readDword(base))
	if width == 8 {
		full |= uint64(c.readDword(base+4)) << 32
	}

	shift := (offset - base) * 8
	mask := sizeMask(size)

	return (full >> shift) & mask
}

// regBase returns the base offset and byte width (4 or 8) of the register
// containing offset.
func regBase(offset uint64) (uint64, int) {
	switch alignDown(offset, 8) {
	case RegCAP, RegASQ, RegACQ:
		return alignDown(offset, 8), 8
	}

	return alignDown(offset, 4), 4
}

func alignDown(v uint64, n uint64) uint64 { return v &^ (n - 1) }

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}

	return (uint64(1) << uint(size*8)) - 1
}

func (c *Controller) readDword(offset uint64) uint32 {
	switch offset {
	case RegCAP:
		return uint32(c.cap)
	case RegCAP + 4:
		return uint32(c.cap >> 32)
	case RegVS:
		return c.vs
	case RegINTMS:
		return c.intms
	case RegINTMC:
		return 0 // write-1-to-clear, reads as zero
	case RegCC:
		return c.cc
	case RegCSTS:
		return c.csts
	case RegAQA:
		return c.aqa
	case RegASQ:
		return uint32(c.asq)
	case RegASQ + 4:
		return uint32(c.asq >> 32)
	case RegACQ:
		return uint32(c.acq)
	case RegACQ + 4:
		return uint32(c.acq >> 32)
	default:
		return 0
	}
}

// Write services a BAR0 access of the given size at offset. Writes of size
// 0 are no-ops; sub-word writes preserve the unwritten bytes of the
// containing dword (byte-enable mask).
func (c *Controller) Write(offset uint64, size int, value uint64) {
	if size == 0 {
		return
	}

	if offset >= DoorbellBase {
		c.writeDoorbell(offset, uint32(value))

		return
	}

	if size == 8 {
		c.writeDwordMasked(offset, 4, uint32(value))
		c.writeDwordMasked(offset+4, 4, uint32(value>>32))

		return
	}

	c.writeDwordMasked(offset, size, uint32(value))
}

// writeDwordMasked merges value's low size bytes into the dword at
// alignDown(offset, 4), preserving the bytes the access doesn't cover.
func (c *Controller) writeDwordMasked(offset uint64, size int, value uint32) {
	aligned := alignDown(offset, 4)
	shift := (offset & 3) * 8
	mask := uint32(sizeMask(size)) << shift

	cur := c.readDword(aligned)
	newVal := (cur &^ mask) | ((value << shift) & mask)

	c.writeDword(aligned, newVal)
}

func (c *Controller) writeDword(offset uint64, value uint32) {
	switch offset {
	case RegINTMS:
		c.intms |= value // write-1-to-set
	case RegINTMC:
		c.intms &^= value // write-1-to-clear
	case RegCC:
		c.writeCC(value)
	case RegAQA:
		if c.cc&ccEnable == 0 {
			c.aqa = value
		}
	case RegASQ:
		if c.cc&ccEnable == 0 {
			c.asq = (c.asq &^ 0xffffffff) | uint64(value)
		}
	case RegASQ + 4:
		if c.cc&ccEnable == 0 {
			c.asq = (c.asq & 0xffffffff) | (uint64(value) << 32)
		}
	case RegACQ:
		if c.cc&ccEnable == 0 {
			c.acq = (c.acq &^ 0xffffffff) | uint64(value)
		}
	case RegACQ + 4:
		if c.cc&ccEnable == 0 {
			c.acq = (c.acq & 0xffffffff) | (uint64(value) << 32)
		}
	}
}

func (c *Controller) writeCC(value uint32) {
	was := c.cc&ccEnable != 0
	now := value&ccEnable != 0

	c.cc = value

	if !was && now {
		c.enable()
	} else if was && !now {
		c.reset()
	}
}

// enable implements the CC.EN 0->1 transition: validates MPS and AQA, then
// constructs the admin queues.
func (c *Controller) enable() {
	mps := (c.cc >> 7) & 0xf
	if mps != 0 {
		c.csts |= cstsCFS

		return
	}

	asqs := (c.aqa & 0xfff) + 1
	acqs := ((c.aqa >> 16) & 0xfff) + 1

	if asqs < 1 || asqs > MaxQueueEntries || acqs < 1 || acqs > MaxQueueEntries {
		c.csts |= cstsCFS

		return
	}

	if c.asq == 0 || c.asq%PageSize != 0 || c.acq == 0 || c.acq%PageSize != 0 {
		c.csts |= cstsCFS

		return
	}

	c.adminSQ = &SubmissionQueue{ID: 0, CQID: 0, Size: uint32(asqs), Base: c.asq}
	c.adminCQ = &CompletionQueue{ID: 0, Size: uint32(acqs), Base: c.acq, Phase: 1, IEN: true}

	c.csts = cstsRDY
}

// reset implements CC.EN 1->0: clears CSTS and tears down all queues and
// pending doorbells.
func (c *Controller) reset() {
	c.csts = 0
	c.adminSQ = nil
	c.adminCQ = nil
	c.ioSQ = make(map[uint16]*SubmissionQueue)
	c.ioCQ = make(map[uint16]*CompletionQueue)
	c.pendingDoorbells = make(map[uint16]uint32)
	c.numIOQueuesRequested = 0
	c.intxLevel = false
}

// writeDoorbell records a doorbell write without performing any DMA. SQ
// doorbells (even offset within the doorbell region) latch the tail in the
// pending map; CQ doorbells (odd offset) directly update the CQ head.
func (c *Controller) writeDoorbell(offset uint64, value uint32) {
	rel := (offset - DoorbellBase) / doorbellStride
	qid := uint16(rel / 2)
	isCQ := rel%2 == 1

	if isCQ {
		cq := c.completionQueue(qid)
		if cq == nil {
			return
		}

		cq.Head = value % cq.Size
		c.recomputeIntxLevel()

		return
	}

	c.latchDoorbell(qid, value)
}

// latchDoorbell records tail for qid, applying the pending-doorbell map's
// bound (MaxIOQueues+1): an update to an already-pending qid always
// succeeds regardless of fullness. A new qid arriving while the map is full
// is handled per §3.1/§4.1 — admin SQ doorbells (qid 0) are never silently
// dropped, so a full map evicts its largest-numbered pending qid to make
// room for qid 0; any other new qid is simply dropped when the map is full.
func (c *Controller) latchDoorbell(qid uint16, tail uint32) {
	if _, exists := c.pendingDoorbells[qid]; exists {
		c.pendingDoorbells[qid] = tail

		return
	}

	if len(c.pendingDoorbells) >= MaxIOQueues+1 {
		if qid != 0 {
			return
		}

		var largest uint16
		for existing := range c.pendingDoorbells {
			if existing > largest {
				largest = existing
			}
		}

		delete(c.pendingDoorbells, largest)
	}

	c.pendingDoorbells[qid] = tail
}

func (c *Controller) completionQueue(qid uint16) *CompletionQueue {
	if qid == 0 {
		return c.adminCQ
	}

	return c.ioCQ[qid]
}

func (c *Controller) submissionQueue(qid uint16) *SubmissionQueue {
	if qid == 0 {
		return c.adminSQ
	}

	return c.ioSQ[qid]
}

// Process is the host-invoked tick described in §4.1: re-apply pending
// doorbells and walk each queue, then recompute the INTx level.
func (c *Controller) Process(bus membus.Bus) {
	if c.csts&cstsRDY == 0 {
		c.pendingDoorbells = make(map[uint16]uint32)

		return
	}

	pending := make(map[uint16]uint32, len(c.pendingDoorbells))
	for k, v := range c.pendingDoorbells {
		pending[k] = v
	}

	// Process in ascending qid order for determinism; the spec doesn't
	// mandate an order but guest-observable effects (completions posted)
	// must not depend on Go map iteration order.
	qids := make([]uint16, 0, len(pending))
	for q := range pending {
		qids = append(qids, q)
	}

	sort.Slice(qids, func(i, j int) bool { return qids[i] < qids[j] })

	for _, qid := range qids {
		sq := c.submissionQueue(qid)
		if sq == nil {
			continue
		}

		sq.Tail = pending[qid] % sq.Size
		c.processSQ(bus, sq)
	}

	c.recomputeIntxLevel()
}

func (c *Controller) processSQ(bus membus.Bus, sq *SubmissionQueue) {
	for sq.Head != sq.Tail {
		var raw [CommandSize]byte
		bus.ReadPhysical(sq.Base+uint64(sq.Head)*CommandSize, raw[:])

		cmd := parseCommand(raw[:])

		var result uint32

		var status Status

		if sq.ID == 0 {
			result, status = c.executeAdmin(bus, cmd)
		} else {
			result, status = c.executeIO(bus, sq, cmd)
		}

		c.postCompletion(bus, sq, cmd, result, status)

		sq.Head = (sq.Head + 1) % sq.Size
	}
}

// postCompletion builds and writes a 16-byte completion entry, honoring
// the "drop on full CQ" policy (the host is assumed to prevent this).
func (c *Controller) postCompletion(bus membus.Bus, sq *SubmissionQueue, cmd command, result uint32, status Status) {
	cq := c.completionQueue(sq.CQID)
	if cq == nil {
		return
	}

	nextTail := (cq.Tail + 1) % cq.Size
	if nextTail == cq.Head {
		log.Warn("nvme: completion queue full, dropping completion")

		return
	}

	var entry [CompletionSize]byte

	putU32(entry[0:4], result)
	putU32(entry[4:8], 0)
	putU32(entry[8:12], (uint32(sq.ID)<<16)|uint32(sq.Head))

	// DW3 layout: bits [31:16] = status word with phase in bit 0, bits
	// [15:0] = CID.
	dw3 := (uint32(status.bits())|uint32(cq.Phase))<<16 | uint32(cmd.CID)
	putU32(entry[12:16], dw3)

	bus.WritePhysical(cq.Base+uint64(cq.Tail)*CompletionSize, entry[:])

	cq.Tail = nextTail
	if cq.Tail == 0 {
		cq.Phase ^= 1
	}
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// recomputeIntxLevel derives the level per §4.1: unmasked and some CQ has
// pending entries with IEN set.
func (c *Controller) recomputeIntxLevel() {
	if c.intms&1 != 0 {
		c.intxLevel = false

		return
	}

	level := false

	if c.adminCQ != nil && c.adminCQ.IEN && c.adminCQ.hasPending() {
		level = true
	}

	for _, cq := range c.ioCQ {
		if cq.IEN && cq.hasPending() {
			level = true

			break
		}
	}

	c.intxLevel = level
}

// IntxLevel reports the controller's derived INTx level; a PCI wrapper
// additionally honors COMMAND.INTX_DISABLE.
func (c *Controller) IntxLevel() bool { return c.intxLevel }
