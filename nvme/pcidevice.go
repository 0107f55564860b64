package nvme

import (
	"github.com/wilsonzlin/aerovm/membus"
	"github.com/wilsonzlin/aerovm/pci"
)

// BAR0 layout: the register file occupies the low 0x2000 bytes (registers
// plus doorbells up to MaxIOQueues+1 queue pairs), followed by the MSI-X
// table and PBA.
const (
	bar0Size       = 0x3000
	msixTableOff   = 0x2000
	msixPBAOff     = 0x2800
	msixNumVectors = 1
)

// PciDevice wraps a Controller as a BAR0-mapped PCI device: it owns the
// device header, the MSI-X capability, and the bus-mastering gate that the
// bare Controller doesn't know about.
type PciDevice struct {
	Ctrl *Controller
	msix *pci.MSIX
	cmd  pci.CommandRegister

	irq      pci.IRQInjector
	irqLine  uint8
	lastIntx bool
	lastMSIX bool
}

// NewPciDevice wires a Controller to a BAR0 window, an INTx line, and an
// MSI-X sink. irq may be nil if the harness only exercises MSI-X delivery.
func NewPciDevice(ctrl *Controller, irqLine uint8, irq pci.IRQInjector) *PciDevice {
	d := &PciDevice{
		Ctrl:    ctrl,
		msix:    pci.NewMSIX(msixTableOff, msixPBAOff, msixNumVectors),
		irq:     irq,
		irqLine: irqLine,
	}

	return d
}

func (d *PciDevice) SetMSISink(sink pci.MSISink) { d.msix.SetSink(sink) }

func (d *PciDevice) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		VendorID:      0x1b36,
		DeviceID:      0x0010,
		HeaderType:    0,
		SubsystemID:   0,
		InterruptLine: d.irqLine,
		InterruptPin:  1,
		BAR:           [6]uint32{0x0000_0004, 0, 0, 0, 0, 0}, // BAR0: 64-bit, memory space
		Command:       uint16(d.cmd),
	}
}

// SetCommand latches the guest's COMMAND register. This model has no
// separate MSI-X capability enable bit to program, so MSI-X delivery
// tracks COMMAND.MemorySpace directly: once the BAR0 window is live the
// guest is assumed to have already programmed the MSI-X table.
func (d *PciDevice) SetCommand(cmd pci.CommandRegister) {
	d.cmd = cmd
	d.msix.SetEnabled(cmd&pci.CommandMemorySpace != 0)
}

// MmioRead dispatches a BAR0 access: MSI-X table/PBA first, then the
// register file.
func (d *PciDevice) MmioRead(offset uint64, size int) uint64 {
	if d.msix.InRange(offset) {
		return d.msix.Read(offset, size)
	}

	return d.Ctrl.Read(offset, size)
}

func (d *PciDevice) MmioWrite(offset uint64, size int, value uint64) {
	if d.msix.InRange(offset) {
		d.msix.Write(offset, size, value)

		return
	}

	d.Ctrl.Write(offset, size, value)
}

// Process ticks the controller and delivers the resulting interrupt: MSI-X
// if enabled, otherwise a level-triggered INTx edge (subject to
// COMMAND.INTX_DISABLE).
func (d *PciDevice) Process(bus membus.Bus) error {
	// Reading submission entries and command buffers is itself DMA, so the
	// whole tick stalls, not just the NVM data transfer, matching §5's
	// "bus-mastering gates DMA, not MMIO" rule.
	if d.cmd.BusMasterEnabled() {
		d.Ctrl.Process(bus)
	}

	level := d.Ctrl.IntxLevel()

	if d.msix.Enabled() {
		rising := level && !d.lastMSIX
		d.lastMSIX = level

		if rising {
			return d.msix.Trigger()
		}

		return nil
	}

	if d.cmd.INTxDisabled() {
		return nil
	}

	if level != d.lastIntx && d.irq != nil {
		d.lastIntx = level

		return d.irq.SetIRQLevel(d.irqLine, level)
	}

	d.lastIntx = level

	return nil
}

// GetIORange satisfies legacy tooling that enumerates every device's
// footprint; this device has no IO-port presence.
func (d *PciDevice) GetIORange() (start, end uint64) { return 0, bar0Size }
