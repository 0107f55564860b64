package aerogpu

import (
	"github.com/wilsonzlin/aerovm/membus"
	"github.com/wilsonzlin/aerovm/pci"
)

// bar0Size covers the register file plus the MSI-X table/PBA window it
// precedes, per §4.2's "MSI-X table/PBA live in BAR0 and are dispatched
// before the NVMe/AeroGPU register model".
const bar0Size = MsixPBAOffset + 8

// PciDevice wraps a Device as a BAR0-mapped PCI device, following
// nvme.PciDevice's composition split: the wrapper owns the device header,
// the MSI-X capability, and the bus-mastering gate the bare Device doesn't
// know about.
type PciDevice struct {
	Dev *Device
	msix *pci.MSIX
	cmd  pci.CommandRegister

	irq      pci.IRQInjector
	irqLine  uint8
	lastIntx bool
	lastMSIX bool
}

func NewPciDevice(dev *Device, irqLine uint8, irq pci.IRQInjector) *PciDevice {
	return &PciDevice{
		Dev:     dev,
		msix:    pci.NewMSIX(MsixTableOffset, MsixPBAOffset, MsixNumVectors),
		irq:     irq,
		irqLine: irqLine,
	}
}

func (d *PciDevice) SetMSISink(sink pci.MSISink) { d.msix.SetSink(sink) }

func (d *PciDevice) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		VendorID:      0x1b36,
		DeviceID:      0x0011,
		HeaderType:    0,
		SubsystemID:   0,
		InterruptLine: d.irqLine,
		InterruptPin:  1,
		BAR:           [6]uint32{0x0000_0004, 0, 0, 0, 0, 0}, // BAR0: 64-bit, memory space
		Command:       uint16(d.cmd),
	}
}

// SetCommand latches the guest's COMMAND register, the same
// MemorySpace-tracks-MSI-X-enable convention nvme.PciDevice uses (§4.1's
// Open Question note applies here too: no separate MSI-X capability
// enable bit is modeled).
func (d *PciDevice) SetCommand(cmd pci.CommandRegister) {
	d.cmd = cmd
	d.msix.SetEnabled(cmd&pci.CommandMemorySpace != 0)
	d.Dev.SetCommand(cmd)
}

func (d *PciDevice) MmioRead(offset uint64, size int) uint64 {
	if d.msix.InRange(offset) {
		return d.msix.Read(offset, size)
	}

	return d.Dev.Read(offset, size)
}

func (d *PciDevice) MmioWrite(offset uint64, size int, value uint64) {
	if d.msix.InRange(offset) {
		d.msix.Write(offset, size, value)

		return
	}

	d.Dev.Write(offset, size, value)
}

// Process ticks the device and delivers the resulting interrupt: MSI-X if
// enabled, otherwise a level-triggered INTx edge subject to
// COMMAND.INTX_DISABLE. nowNS feeds the device's vblank clock when no
// Clock has been installed on it directly.
func (d *PciDevice) Process(bus membus.Bus, nowNS uint64) error {
	d.Dev.Process(bus, nowNS)

	level := d.Dev.IRQPending()

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

func (d *PciDevice) GetIORange() (start, end uint64) { return 0, bar0Size }
