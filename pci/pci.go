// Package pci models the minimal pieces of PCI configuration space that the
// NVMe and AeroGPU device models need: the legacy CF8/CFC access mechanism,
// a type-0 config header, and BAR0 size probing for the bridge and any
// legacy IO-port device attached to the bus. The generic capability list
// and BAR address-programming framework a full chipset would need is an
// external collaborator (see the config-space router note in §5 of the
// owning specification); this package only carries the header bytes a
// router would copy out of a device.
package pci

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xff
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return ((uint32(a) >> 31) | 0x1) == 0x1
}

// DeviceHeader is the first 64 bytes of a type-0 PCI configuration header,
// the subset every device model in this repository needs to advertise
// itself to the guest.
type DeviceHeader struct {
	DeviceID      uint16
	VendorID      uint16
	HeaderType    uint8
	SubsystemID   uint16
	Command       uint16
	BAR           [6]uint32
	InterruptPin  uint8
	InterruptLine uint8
}

// Bytes renders the header as the little-endian byte image a guest reading
// config space would observe.
func (dh DeviceHeader) Bytes() ([]byte, error) {
	buf := make([]byte, 0x40)

	binary.LittleEndian.PutUint16(buf[0x00:], dh.VendorID)
	binary.LittleEndian.PutUint16(buf[0x02:], dh.DeviceID)
	binary.LittleEndian.PutUint16(buf[0x04:], dh.Command)
	buf[0x0e] = dh.HeaderType

	for i, bar := range dh.BAR {
		binary.LittleEndian.PutUint32(buf[0x10+4*i:], bar)
	}

	binary.LittleEndian.PutUint16(buf[0x2e:], dh.SubsystemID)
	buf[0x3c] = dh.InterruptLine
	buf[0x3d] = dh.InterruptPin

	return buf, nil
}

// Device is the interface a legacy IO-port PCI device must implement to be
// attached to a Bus, e.g. the host bridge or a virtio-pci transitional
// device. MMIO-BAR devices (NVMe, AeroGPU) instead implement MmioHandler
// and are routed directly by the owning machine model rather than through
// this IO-port Bus, since their BAR windows live in guest physical memory
// rather than x86 IO space.
type Device interface {
	GetDeviceHeader() DeviceHeader
	IOInHandler(port uint64, data []byte) error
	IOOutHandler(port uint64, data []byte) error
	GetIORange() (start, end uint64)
}

// MmioHandler is implemented by BAR0-mapped devices (NVMe, AeroGPU) that the
// owning machine model routes to directly by guest physical address rather
// than through the CF8/CFC IO-port mechanism PCI multiplexes. SetCommand is
// called by the machine model whenever the device's COMMAND register
// changes, so the device can gate DMA on BusMasterEnabled (and, in this
// module's devices, MSI-X delivery on MemorySpace) without reading
// configuration space itself.
type MmioHandler interface {
	GetDeviceHeader() DeviceHeader
	MmioRead(offset uint64, size int) uint64
	MmioWrite(offset uint64, size int, value uint64)
	SetCommand(cmd CommandRegister)
}

var errDataLenInvalid = errors.New("invalid data length for CF8/CFC access")

// PCI multiplexes the legacy 0xCF8/0xCFC configuration mechanism across the
// Devices attached to it, indexed by PCI device number in attach order
// (device 0 is conventionally the host bridge). Devices may be appended
// after New returns, matching how the owning machine model wires up
// virtio/NVMe/AeroGPU IO-port shims as it discovers them.
type PCI struct {
	addr    address
	Devices []Device

	// probing tracks, per attached device index, which BAR index (if any)
	// is currently being size-probed: the guest wrote all-ones and expects
	// the next read to return the BAR's size mask rather than its address.
	probing map[int]int
	bars    map[int][6]uint32
}

const noBarProbe = -1

func New(devices ...Device) *PCI {
	b := &PCI{
		addr:    0xaabbccdd,
		Devices: devices,
		probing: make(map[int]int),
		bars:    make(map[int][6]uint32),
	}

	return b
}

func (b *PCI) barsFor(idx int, dev Device) [6]uint32 {
	if bars, ok := b.bars[idx]; ok {
		return bars
	}

	bars := dev.GetDeviceHeader().BAR
	b.bars[idx] = bars

	return bars
}

func (b *PCI) probeOf(idx int) int {
	if v, ok := b.probing[idx]; ok {
		return v
	}

	return noBarProbe
}

func (b *PCI) selected() (int, Device, bool) {
	n := int(b.addr.getDeviceNumber())
	if n < 0 || n >= len(b.Devices) {
		return 0, nil, false
	}

	return n, b.Devices[n], true
}

func (b *PCI) PciConfDataIn(port uint64, values []byte) error {
	idx, dev, ok := b.selected()
	if !ok {
		return nil
	}

	off := b.addr.getRegisterOffset()

	if off >= 0x10 && off < 0x28 {
		barIdx := int((off - 0x10) / 4)
		if b.probeOf(idx) == barIdx {
			start, end := dev.GetIORange()
			mask := make([]byte, 4)
			binary.LittleEndian.PutUint32(mask, SizeToBits(end-start))
			copy(values, mask)

			return nil
		}

		bars := b.barsFor(idx, dev)

		var raw [4]byte
		binary.LittleEndian.PutUint32(raw[:], bars[barIdx])
		copy(values, raw[:])

		return nil
	}

	hdr, err := dev.GetDeviceHeader().Bytes()
	if err != nil {
		return err
	}

	n := copy(values, hdr[off:])
	for i := n; i < len(values); i++ {
		values[i] = 0
	}

	return nil
}

func (b *PCI) PciConfDataOut(port uint64, values []byte) error {
	idx, dev, ok := b.selected()
	if !ok {
		return nil
	}

	off := b.addr.getRegisterOffset()
	if off >= 0x10 && off < 0x28 && len(values) == 4 {
		barIdx := int((off - 0x10) / 4)
		v := uint32(BytesToNum(values))

		if v == 0xffffffff {
			b.probing[idx] = barIdx
		} else {
			delete(b.probing, idx)
			bars := b.barsFor(idx, dev)
			bars[barIdx] = v
			b.bars[idx] = bars
		}
	}

	return nil
}

func (b *PCI) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	binary.LittleEndian.PutUint32(values, uint32(b.addr))

	return nil
}

func (b *PCI) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	b.addr = address(binary.LittleEndian.Uint32(values))

	return nil
}

// BytesToNum reinterprets up to 8 little-endian bytes as an unsigned
// integer. Used throughout the config-space and MMIO plumbing wherever a
// raw byte slice needs folding into a register value.
func BytesToNum(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = (v << 8) | uint64(b[i])
	}

	return v
}

// NumToBytes renders an integer as little-endian bytes sized to its Go
// type. Unsupported types return an empty (non-nil) slice rather than
// panicking, since callers in the hot MMIO path must never panic on a
// guest-controlled value.
func NumToBytes(n interface{}) []byte {
	buf := new(bytes.Buffer)

	switch v := n.(type) {
	case uint8:
		buf.WriteByte(v)
	case uint16:
		_ = binary.Write(buf, binary.LittleEndian, v)
	case uint32:
		_ = binary.Write(buf, binary.LittleEndian, v)
	case uint64:
		_ = binary.Write(buf, binary.LittleEndian, v)
	default:
		return []byte{}
	}

	return buf.Bytes()
}

// SizeToBits returns the 32-bit BAR size-probe mask for a region of the
// given size: writing all-ones to a BAR and reading it back yields this
// value, from which the guest recovers the region's size. A zero-sized
// region (an unimplemented BAR) reports back as zero.
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return uint32(^(size - 1))
}
