package nvme

import (
	"github.com/wilsonzlin/aerovm/diskbackend"
	"github.com/wilsonzlin/aerovm/membus"
)

// diskErrToStatus maps a diskbackend.Error to the one NVMe status code this
// model distinguishes (LBA_OUT_OF_RANGE); everything else collapses to
// INVALID_FIELD, matching §7's status taxonomy.
func diskErrToStatus(err error) Status {
	de, ok := err.(*diskbackend.Error)
	if !ok {
		return StatusInvalidField
	}

	if de.Kind == diskbackend.KindOutOfRange {
		return StatusLBAOutOfRange
	}

	return StatusInvalidField
}

// Admin opcodes (§4.1).
const (
	opDeleteIOSQ  = 0x00
	opCreateIOSQ  = 0x01
	opDeleteIOCQ  = 0x04
	opCreateIOCQ  = 0x05
	opIdentify    = 0x06
	opSetFeatures = 0x09
	opGetFeatures = 0x0a
)

// NVM (I/O) opcodes.
const (
	opFlush       = 0x00
	opWrite       = 0x01
	opRead        = 0x02
	opWriteZeroes = 0x08
	opDSM         = 0x09
)

// Feature IDs this model honors via SET/GET FEATURES.
const (
	featureVolatileWriteCache  = 0x06
	featureNumberOfQueues      = 0x07
	featureInterruptCoalescing = 0x08
)

// command is a parsed 64-byte NVMe submission queue entry; only the fields
// this model's command set actually uses are decoded.
type command struct {
	Opcode uint8
	FUSE   uint8
	PSDT   uint8 // PRP/SGL Data Transfer selector, byte 1 bits 6:7
	CID    uint16
	NSID   uint32
	MPTR   uint64
	PRP1   uint64
	PRP2   uint64
	// CDW10..CDW15
	CDW10 uint32
	CDW11 uint32
	CDW12 uint32
	CDW13 uint32
	CDW14 uint32
	CDW15 uint32
}

func parseCommand(raw []byte) command {
	u32 := func(off int) uint32 { return leU32(raw[off : off+4]) }
	u64 := func(off int) uint64 { return leU64(raw[off : off+8]) }

	return command{
		Opcode: raw[0],
		FUSE:   raw[1] & 0x3,
		PSDT:   raw[1] >> 6,
		CID:    uint16(u32(2)),
		NSID:   u32(4),
		MPTR:   u64(16),
		PRP1:   u64(24),
		PRP2:   u64(32),
		CDW10:  u32(40),
		CDW11:  u32(44),
		CDW12:  u32(48),
		CDW13:  u32(52),
		CDW14:  u32(56),
		CDW15:  u32(60),
	}
}

// resolveSegments dispatches to the PRP or SGL walker depending on the
// command's PSDT field, reinterpreting PRP1/PRP2 as an inline 16-byte SGL
// descriptor in the SGL case per §4.1's "dual DPTR interpretation" note.
func resolveSegments(bus membus.Bus, cmd command, length uint32) ([]segment, Status) {
	if cmd.PSDT == 0 {
		segs, err := prpSegments(bus, cmd.PRP1, cmd.PRP2, length)
		if err != nil {
			return nil, err.(Status)
		}

		return segs, StatusSuccess
	}

	var root [16]byte
	putLE64(root[0:8], cmd.PRP1)
	putLE64(root[8:16], cmd.PRP2)

	segs, err := sglSegments(bus, root, length)
	if err != nil {
		return nil, err.(Status)
	}

	return segs, StatusSuccess
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// executeAdmin dispatches an admin-queue command. The returned uint32 is
// DW0 of the completion entry (command-specific, usually 0).
func (c *Controller) executeAdmin(bus membus.Bus, cmd command) (uint32, Status) {
	switch cmd.Opcode {
	case opIdentify:
		return c.doIdentify(bus, cmd)
	case opCreateIOSQ:
		return c.doCreateIOSQ(cmd)
	case opCreateIOCQ:
		return c.doCreateIOCQ(cmd)
	case opDeleteIOSQ:
		return c.doDeleteIOSQ(cmd)
	case opDeleteIOCQ:
		return c.doDeleteIOCQ(cmd)
	case opSetFeatures:
		return c.doSetFeatures(cmd)
	case opGetFeatures:
		return c.doGetFeatures(cmd)
	default:
		return 0, StatusInvalidOpcode
	}
}

func (c *Controller) doIdentify(bus membus.Bus, cmd command) (uint32, Status) {
	cns := cmd.CDW10 & 0xff

	var page []byte

	switch cns {
	case 0x00: // namespace
		page = buildIdentifyNamespace(c.disk.TotalSectors(), uint32(c.disk.SectorSize()))
	case 0x01: // controller
		page = buildIdentifyController(c.disk.TotalSectors(), uint32(c.disk.SectorSize()))
	default:
		return 0, StatusInvalidField
	}

	segs, status := resolveSegments(bus, cmd, uint32(len(page)))
	if status != StatusSuccess {
		return 0, status
	}

	if err := dmaWrite(bus, segs, page); err != nil {
		return 0, err.(Status)
	}

	return 0, StatusSuccess
}

// featureReportedMaxQueueID is the largest I/O queue id CREATE IO CQ/SQ may
// currently target: Number of Queues (feature 0x07) is 0-based, so a
// requested value of N means N+1 usable queue ids, and the reset default of
// 0 means exactly qid 1 is usable before the guest ever calls SET FEATURES.
func (c *Controller) featureReportedMaxQueueID() uint16 { return c.numIOQueuesRequested + 1 }

// basePageAligned rejects a zero or non-4KiB-aligned queue base address,
// per §4.1's CREATE IO CQ/SQ rejection list.
func basePageAligned(base uint64) bool { return base != 0 && base%PageSize == 0 }

func (c *Controller) doCreateIOCQ(cmd command) (uint32, Status) {
	qid := uint16(cmd.CDW10 & 0xffff)
	qsize := uint16(cmd.CDW10>>16) + 1
	pc := cmd.CDW11&0x1 != 0
	ien := cmd.CDW11&0x2 != 0

	if cmd.PSDT != 0 {
		return 0, StatusInvalidField
	}

	if qid == 0 || qid > c.featureReportedMaxQueueID() {
		return 0, StatusInvalidQueueID
	}

	if _, exists := c.ioCQ[qid]; exists {
		return 0, StatusInvalidQueueID
	}

	if !pc {
		return 0, StatusInvalidField
	}

	if qsize < 1 || uint32(qsize) > MaxQueueEntries {
		return 0, StatusInvalidField
	}

	if !basePageAligned(cmd.PRP1) {
		return 0, StatusInvalidField
	}

	if len(c.ioCQ) >= MaxIOQueues {
		return 0, StatusInvalidQueueID
	}

	c.ioCQ[qid] = &CompletionQueue{ID: qid, Size: uint32(qsize), Base: cmd.PRP1, Phase: 1, IEN: ien}

	return 0, StatusSuccess
}

func (c *Controller) doCreateIOSQ(cmd command) (uint32, Status) {
	qid := uint16(cmd.CDW10 & 0xffff)
	qsize := uint16(cmd.CDW10>>16) + 1
	pc := cmd.CDW11&0x1 != 0
	cqid := uint16(cmd.CDW11 >> 16)

	if cmd.PSDT != 0 {
		return 0, StatusInvalidField
	}

	if qid == 0 || qid > c.featureReportedMaxQueueID() {
		return 0, StatusInvalidQueueID
	}

	if _, exists := c.ioSQ[qid]; exists {
		return 0, StatusInvalidQueueID
	}

	if !pc {
		return 0, StatusInvalidField
	}

	if _, exists := c.ioCQ[cqid]; !exists {
		return 0, StatusInvalidQueueID
	}

	if qsize < 1 || uint32(qsize) > MaxQueueEntries {
		return 0, StatusInvalidField
	}

	if !basePageAligned(cmd.PRP1) {
		return 0, StatusInvalidField
	}

	if len(c.ioSQ) >= MaxIOQueues {
		return 0, StatusInvalidQueueID
	}

	c.ioSQ[qid] = &SubmissionQueue{ID: qid, CQID: cqid, Size: uint32(qsize), Base: cmd.PRP1}

	return 0, StatusSuccess
}

func (c *Controller) doDeleteIOSQ(cmd command) (uint32, Status) {
	qid := uint16(cmd.CDW10 & 0xffff)

	if _, exists := c.ioSQ[qid]; !exists {
		return 0, StatusInvalidQueueID
	}

	delete(c.ioSQ, qid)
	delete(c.pendingDoorbells, qid)

	return 0, StatusSuccess
}

func (c *Controller) doDeleteIOCQ(cmd command) (uint32, Status) {
	qid := uint16(cmd.CDW10 & 0xffff)

	cq, exists := c.ioCQ[qid]
	if !exists {
		return 0, StatusInvalidQueueID
	}

	for _, sq := range c.ioSQ {
		if sq.CQID == cq.ID {
			return 0, StatusInvalidQueueID // in-use CQ
		}
	}

	delete(c.ioCQ, qid)

	return 0, StatusSuccess
}

// maxExistingQueueID returns the largest qid currently present across both
// the I/O SQ and CQ maps, or 0 if neither has any queues.
func (c *Controller) maxExistingQueueID() uint16 {
	var max uint16

	for qid := range c.ioSQ {
		if qid > max {
			max = qid
		}
	}

	for qid := range c.ioCQ {
		if qid > max {
			max = qid
		}
	}

	return max
}

func (c *Controller) doSetFeatures(cmd command) (uint32, Status) {
	switch cmd.CDW10 & 0xff {
	case featureNumberOfQueues:
		requested := uint16(cmd.CDW11 & 0xffff)

		if uint32(requested)+1 < uint32(c.maxExistingQueueID()) {
			return 0, StatusInvalidField
		}

		c.numIOQueuesRequested = requested

		return (uint32(c.numIOQueuesRequested) << 16) | uint32(c.numIOQueuesRequested), StatusSuccess
	case featureVolatileWriteCache:
		c.volatileWriteCache = cmd.CDW11&0x1 != 0

		return 0, StatusSuccess
	case featureInterruptCoalescing:
		c.interruptCoalescing = uint16(cmd.CDW11 & 0xffff)

		return 0, StatusSuccess
	default:
		return 0, StatusInvalidField
	}
}

func (c *Controller) doGetFeatures(cmd command) (uint32, Status) {
	switch cmd.CDW10 & 0xff {
	case featureNumberOfQueues:
		return (uint32(c.numIOQueuesRequested) << 16) | uint32(c.numIOQueuesRequested), StatusSuccess
	case featureVolatileWriteCache:
		if c.volatileWriteCache {
			return 1, StatusSuccess
		}

		return 0, StatusSuccess
	case featureInterruptCoalescing:
		return uint32(c.interruptCoalescing), StatusSuccess
	default:
		return 0, StatusInvalidField
	}
}

// executeIO dispatches an I/O-queue NVM command against the disk backend.
func (c *Controller) executeIO(bus membus.Bus, sq *SubmissionQueue, cmd command) (uint32, Status) {
	if cmd.NSID != 1 {
		return 0, StatusInvalidNamespace
	}

	switch cmd.Opcode {
	case opRead:
		return c.doReadWrite(bus, cmd, false)
	case opWrite:
		return c.doReadWrite(bus, cmd, true)
	case opFlush:
		if err := c.disk.Flush(); err != nil {
			return 0, diskErrToStatus(err)
		}

		return 0, StatusSuccess
	case opWriteZeroes:
		return c.doWriteZeroes(cmd)
	case opDSM:
		return c.doDSM(bus, cmd)
	default:
		return 0, StatusInvalidOpcode
	}
}

func (c *Controller) doReadWrite(bus membus.Bus, cmd command, write bool) (uint32, Status) {
	slba := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
	nlb := uint64(cmd.CDW12&0xffff) + 1

	sectorSize := uint64(c.disk.SectorSize())
	length := nlb * sectorSize

	if length > maxTransferBytes {
		return 0, StatusInvalidField
	}

	segs, status := resolveSegments(bus, cmd, uint32(length))
	if status != StatusSuccess {
		return 0, status
	}

	buf := make([]byte, length)

	if write {
		if err := dmaRead(bus, segs, buf); err != nil {
			return 0, err.(Status)
		}

		if werr := c.disk.WriteSectors(slba, buf); werr != nil {
			return 0, diskErrToStatus(werr)
		}

		return 0, StatusSuccess
	}

	if rerr := c.disk.ReadSectors(slba, buf); rerr != nil {
		return 0, diskErrToStatus(rerr)
	}

	if err := dmaWrite(bus, segs, buf); err != nil {
		return 0, err.(Status)
	}

	return 0, StatusSuccess
}

func (c *Controller) doWriteZeroes(cmd command) (uint32, Status) {
	slba := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
	nlb := uint64(cmd.CDW12&0xffff) + 1

	sectorSize := uint64(c.disk.SectorSize())
	buf := make([]byte, nlb*sectorSize)

	if err := c.disk.WriteSectors(slba, buf); err != nil {
		return 0, diskErrToStatus(err)
	}

	return 0, StatusSuccess
}

// doDSM implements the Deallocate attribute of Dataset Management: CDW10's
// low byte is NR (0-based range count); each 16-byte range descriptor sits
// in the PRP1-addressed buffer. Discards are best effort: a range the
// backend fails to discard does not fail the command.
func (c *Controller) doDSM(bus membus.Bus, cmd command) (uint32, Status) {
	nr := int(cmd.CDW10&0xff) + 1
	attrDeallocate := cmd.CDW11&0x4 != 0

	if !attrDeallocate {
		return 0, StatusSuccess
	}

	for i := 0; i < nr; i++ {
		var rng [16]byte
		bus.ReadPhysical(cmd.PRP1+uint64(i)*16, rng[:])

		nlb := leU32(rng[0:4])
		slba := leU64(rng[8:16])

		_ = c.disk.DiscardSectors(slba, uint64(nlb))
	}

	return 0, StatusSuccess
}
