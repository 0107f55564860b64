package nvme

import (
	"strconv"

	"github.com/wilsonzlin/aerovm/snapshot"
)

// deviceID/deviceMajor/deviceMinor identify this controller's snapshot
// format, checked by Load via EnsureDeviceMajor.
var deviceID = [4]byte{'N', 'V', 'M', 'E'}

const (
	deviceMajor = 1
	deviceMinor = 0
)

// Save serializes every field needed to resume the controller exactly
// where it left off: registers, admin queue geometry, every I/O queue
// pair, and the feature latches. Pending doorbells are intentionally
// dropped: a resumed guest is expected to re-ring any doorbell it hasn't
// seen completed, same as after a real power cycle's queue rediscovery.
func (c *Controller) Save(w snapshot.Writer) {
	w.PutDeviceVersion(deviceID, deviceMajor, deviceMinor)

	w.PutU64("cap", c.cap)
	w.PutU32("vs", c.vs)
	w.PutU32("intms", c.intms)
	w.PutU32("cc", c.cc)
	w.PutU32("csts", c.csts)
	w.PutU32("aqa", c.aqa)
	w.PutU64("asq", c.asq)
	w.PutU64("acq", c.acq)

	w.PutU16("num_io_queues_requested", c.numIOQueuesRequested)
	w.PutU16("interrupt_coalescing", c.interruptCoalescing)
	w.PutBool("volatile_write_cache", c.volatileWriteCache)
	w.PutBool("intx_level", c.intxLevel)

	if c.adminSQ != nil {
		w.PutBool("has_admin_sq", true)
		putSQ(w, "admin_sq", c.adminSQ)
	}

	if c.adminCQ != nil {
		w.PutBool("has_admin_cq", true)
		putCQ(w, "admin_cq", c.adminCQ)
	}

	ids := make([]uint16, 0, len(c.ioSQ))
	for id := range c.ioSQ {
		ids = append(ids, id)
	}

	w.PutU32("io_sq_count", uint32(len(ids)))

	for i, id := range ids {
		prefix := ioQueuePrefix("io_sq", i)
		w.PutU16(prefix+"_id", id)
		putSQ(w, prefix, c.ioSQ[id])
	}

	cqIDs := make([]uint16, 0, len(c.ioCQ))
	for id := range c.ioCQ {
		cqIDs = append(cqIDs, id)
	}

	w.PutU32("io_cq_count", uint32(len(cqIDs)))

	for i, id := range cqIDs {
		prefix := ioQueuePrefix("io_cq", i)
		w.PutU16(prefix+"_id", id)
		putCQ(w, prefix, c.ioCQ[id])
	}
}

func ioQueuePrefix(kind string, i int) string {
	return kind + "_" + strconv.Itoa(i)
}

func putSQ(w snapshot.Writer, prefix string, sq *SubmissionQueue) {
	w.PutU16(prefix+"_cqid", sq.CQID)
	w.PutU32(prefix+"_size", sq.Size)
	w.PutU64(prefix+"_base", sq.Base)
	w.PutU32(prefix+"_head", sq.Head)
	w.PutU32(prefix+"_tail", sq.Tail)
}

func putCQ(w snapshot.Writer, prefix string, cq *CompletionQueue) {
	w.PutU32(prefix+"_size", cq.Size)
	w.PutU64(prefix+"_base", cq.Base)
	w.PutU32(prefix+"_head", cq.Head)
	w.PutU32(prefix+"_tail", cq.Tail)
	w.PutU8(prefix+"_phase", cq.Phase)
	w.PutBool(prefix+"_ien", cq.IEN)
}

func getSQ(r snapshot.Reader, prefix string, id uint16) *SubmissionQueue {
	return &SubmissionQueue{
		ID:   id,
		CQID: r.GetU16(prefix + "_cqid"),
		Size: r.GetU32(prefix + "_size"),
		Base: r.GetU64(prefix + "_base"),
		Head: r.GetU32(prefix + "_head"),
		Tail: r.GetU32(prefix + "_tail"),
	}
}

func getCQ(r snapshot.Reader, prefix string, id uint16) *CompletionQueue {
	return &CompletionQueue{
		ID:    id,
		Size:  r.GetU32(prefix + "_size"),
		Base:  r.GetU64(prefix + "_base"),
		Head:  r.GetU32(prefix + "_head"),
		Tail:  r.GetU32(prefix + "_tail"),
		Phase: r.GetU8(prefix + "_phase"),
		IEN:   r.GetBool(prefix + "_ien"),
	}
}

// Load restores a Controller's in-memory state from r, produced by an
// earlier Save. The disk backend and membus are unaffected; only register
// and queue state changes.
func (c *Controller) Load(r snapshot.Reader) error {
	if _, err := r.EnsureDeviceMajor(deviceID, deviceMajor); err != nil {
		return err
	}

	c.cap = r.GetU64("cap")
	c.vs = r.GetU32("vs")
	c.intms = r.GetU32("intms")
	c.cc = r.GetU32("cc")
	c.csts = r.GetU32("csts")
	c.aqa = r.GetU32("aqa")
	c.asq = r.GetU64("asq")
	c.acq = r.GetU64("acq")

	c.numIOQueuesRequested = r.GetU16("num_io_queues_requested")
	c.interruptCoalescing = r.GetU16("interrupt_coalescing")
	c.volatileWriteCache = r.GetBool("volatile_write_cache")
	c.intxLevel = r.GetBool("intx_level")

	c.adminSQ = nil
	c.adminCQ = nil

	if r.GetBool("has_admin_sq") {
		c.adminSQ = getSQ(r, "admin_sq", 0)
	}

	if r.GetBool("has_admin_cq") {
		c.adminCQ = getCQ(r, "admin_cq", 0)
	}

	c.ioSQ = make(map[uint16]*SubmissionQueue)

	for i := 0; i < int(r.GetU32("io_sq_count")); i++ {
		prefix := ioQueuePrefix("io_sq", i)
		id := r.GetU16(prefix + "_id")
		c.ioSQ[id] = getSQ(r, prefix, id)
	}

	c.ioCQ = make(map[uint16]*CompletionQueue)

	for i := 0; i < int(r.GetU32("io_cq_count")); i++ {
		prefix := ioQueuePrefix("io_cq", i)
		id := r.GetU16(prefix + "_id")
		c.ioCQ[id] = getCQ(r, prefix, id)
	}

	c.pendingDoorbells = make(map[uint16]uint32)

	return nil
}
