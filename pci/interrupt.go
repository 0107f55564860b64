package pci

// CommandRegister mirrors the subset of the PCI COMMAND register (offset
// 0x04) that device models must consult before touching guest memory or
// raising a legacy interrupt. The owning machine model is responsible for
// mirroring the canonical copy living in configuration space into each
// device via SetCommand ahead of every process() tick; devices never read
// configuration space directly.
type CommandRegister uint16

const (
	CommandIOSpace     CommandRegister = 1 << 0
	CommandMemorySpace CommandRegister = 1 << 1
	CommandBusMaster   CommandRegister = 1 << 2
	CommandINTxDisable CommandRegister = 1 << 10
)

func (c CommandRegister) BusMasterEnabled() bool { return c&CommandBusMaster != 0 }
func (c CommandRegister) INTxDisabled() bool     { return c&CommandINTxDisable != 0 }

// IRQInjector raises or lowers a legacy INTx line. It is the one-way sink a
// device's PCI wrapper drives whenever its derived interrupt level changes;
// a concrete implementation forwards to the platform's IRQ chip (compare
// kvm.IRQLine).
type IRQInjector interface {
	SetIRQLevel(irq uint8, level bool) error
}

// MSISink is the one-way consumer a device's PCI wrapper hands MSI/MSI-X
// messages to. Keeping it a single TriggerMSI method (rather than a richer
// callback interface back into the device) avoids a reference cycle
// between the device and its interrupt sink.
type MSISink interface {
	TriggerMSI(addr uint64, data uint32) error
}

const (
	msixTableEntrySize = 16
	// MsixMaxVectors bounds the table/PBA size every device in this module
	// advertises; both NVMe and AeroGPU use a single vector in practice but
	// the table is sized generously to exercise multi-vector delivery.
	MsixMaxVectors = 8
)

// msixEntry is one 16-byte MSI-X table entry: message address (64-bit),
// message data (32-bit), and a vector-control dword whose bit 0 is the
// mask bit.
type msixEntry struct {
	addr uint64
	data uint32
	ctrl uint32
}

const msixCtrlMasked = 1 << 0

// MSIX models a device-owned MSI-X capability: the table and pending-bit
// array that live inside BAR0 past the NVMe/AeroGPU register window
// (§4.1/§4.2 require MMIO accesses in this range to be dispatched here
// before the register model ever sees them), plus rising-edge delivery
// with mask/pending semantics.
type MSIX struct {
	TableOffset uint64
	PBAOffset   uint64
	NumVectors  int

	entries [MsixMaxVectors]msixEntry
	pending [MsixMaxVectors]bool

	enabled bool
	sink    MSISink
}

func NewMSIX(tableOffset, pbaOffset uint64, numVectors int) *MSIX {
	if numVectors <= 0 || numVectors > MsixMaxVectors {
		numVectors = 1
	}

	return &MSIX{TableOffset: tableOffset, PBAOffset: pbaOffset, NumVectors: numVectors}
}

func (m *MSIX) SetSink(sink MSISink) { m.sink = sink }
func (m *MSIX) SetEnabled(v bool)    { m.enabled = v }
func (m *MSIX) Enabled() bool        { return m.enabled }

// InRange reports whether offset (relative to BAR0) falls inside the table
// or PBA window and should be routed here instead of the device's own
// register file.
func (m *MSIX) InRange(offset uint64) bool {
	tableEnd := m.TableOffset + uint64(m.NumVectors*msixTableEntrySize)
	if offset >= m.TableOffset && offset < tableEnd {
		return true
	}

	pbaEnd := m.PBAOffset + 8
	if offset >= m.PBAOffset && offset < pbaEnd {
		return true
	}

	return false
}

func (m *MSIX) Read(offset uint64, size int) uint64 {
	if offset >= m.TableOffset && offset < m.TableOffset+uint64(m.NumVectors*msixTableEntrySize) {
		rel := offset - m.TableOffset
		idx := rel / msixTableEntrySize
		field := rel % msixTableEntrySize

		e := m.entries[idx]

		switch field {
		case 0:
			return e.addr & 0xffffffff
		case 4:
			return (e.addr >> 32) & 0xffffffff
		case 8:
			return uint64(e.data)
		case 12:
			return uint64(e.ctrl)
		}
	}

	if offset >= m.PBAOffset && offset < m.PBAOffset+8 {
		var bits uint64
		for i := 0; i < m.NumVectors; i++ {
			if m.pending[i] {
				bits |= 1 << uint(i)
			}
		}

		return bits
	}

	return 0
}

func (m *MSIX) Write(offset uint64, size int, value uint64) {
	if offset < m.TableOffset || offset >= m.TableOffset+uint64(m.NumVectors*msixTableEntrySize) {
		// PBA is read-only from the guest's perspective.
		return
	}

	rel := offset - m.TableOffset
	idx := rel / msixTableEntrySize
	field := rel % msixTableEntrySize

	e := &m.entries[idx]

	switch field {
	case 0:
		e.addr = (e.addr &^ 0xffffffff) | (value & 0xffffffff)
	case 4:
		e.addr = (e.addr & 0xffffffff) | (value << 32)
	case 8:
		e.data = uint32(value)
	case 12:
		e.ctrl = uint32(value)
	}

	// Any table write re-evaluates this vector's mask bit and flushes a
	// latched pending delivery if it's now unmasked, matching §4.2's
	// "writes to the MSI-X table trigger a deliver-pending pass".
	m.deliverPending(int(idx))
}

// Trigger delivers vector 0 (the only vector NVMe/AeroGPU ever signal) if
// MSI-X is enabled and the vector unmasked. A masked vector latches its
// pending bit for later delivery on unmask; while MSI-X is disabled the
// trigger is dropped without latching anything.
func (m *MSIX) Trigger() error {
	return m.triggerVector(0)
}

func (m *MSIX) triggerVector(idx int) error {
	if !m.enabled || idx >= m.NumVectors {
		return nil
	}

	e := m.entries[idx]
	if e.ctrl&msixCtrlMasked != 0 {
		m.pending[idx] = true

		return nil
	}

	if m.sink == nil {
		return nil
	}

	return m.sink.TriggerMSI(e.addr, e.data)
}

func (m *MSIX) deliverPending(idx int) {
	if !m.pending[idx] {
		return
	}

	m.pending[idx] = false
	_ = m.triggerVector(idx)
}

// DeliverAllPending flushes every vector with a latched pending bit. Table
// writes do not go through it: Write flushes only the vector it wrote.
func (m *MSIX) DeliverAllPending() {
	for i := 0; i < m.NumVectors; i++ {
		m.deliverPending(i)
	}
}
